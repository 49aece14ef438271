// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client wraps queue clients used to delete acknowledged messages.
package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/unack/ack"
	"github.com/absmach/unack/queue"
	"github.com/sony/gobreaker"
)

var _ ack.QueueClient = (*Breaker)(nil)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Breaker fails deletes fast while the queue backend keeps failing. It never
// retries: an open breaker returns gobreaker.ErrOpenState to the caller.
type Breaker struct {
	next ack.QueueClient
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next ack.QueueClient, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "queue-delete"
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		// A stale receipt handle or a cancelled caller says nothing about
		// the health of the queue backend.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, queue.ErrReceiptHandleInvalid) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("delete circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{next: next, cb: cb}
}

// DeleteMessage deletes through the breaker.
func (b *Breaker) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.DeleteMessage(ctx, queueURL, receiptHandle)
	})
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
