// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles delete calls issued by acknowledgements.
package ratelimit

import (
	"context"
	"sync"

	"github.com/absmach/unack/ack"
	"golang.org/x/time/rate"
)

var _ ack.QueueClient = (*Deleter)(nil)

// Config holds delete rate limiting configuration.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // deletes per second per queue
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Rate:    100,
		Burst:   10,
	}
}

// Deleter limits the delete rate per queue URL. Calls wait for a token
// instead of failing; the wait is bounded by the caller's context.
type Deleter struct {
	next ack.QueueClient

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewDeleter wraps next. r is deletes per second, burst the burst allowance.
func NewDeleter(next ack.QueueClient, r float64, burst int) *Deleter {
	if burst < 1 {
		burst = 1
	}
	return &Deleter{
		next:     next,
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (d *Deleter) limiter(queueURL string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	limiter, exists := d.limiters[queueURL]
	if !exists {
		limiter = rate.NewLimiter(d.rate, d.burst)
		d.limiters[queueURL] = limiter
	}
	return limiter
}

// Allow reports whether a delete on queueURL may run now without waiting.
// It consumes a token when it returns true.
func (d *Deleter) Allow(queueURL string) bool {
	return d.limiter(queueURL).Allow()
}

// DeleteMessage waits for a token and deletes through the wrapped client.
func (d *Deleter) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	if err := d.limiter(queueURL).Wait(ctx); err != nil {
		return err
	}
	return d.next.DeleteMessage(ctx, queueURL, receiptHandle)
}
