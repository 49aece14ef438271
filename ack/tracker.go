// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ack tracks consumed but not yet acknowledged messages and
// acknowledges them by deleting them from the backing queue.
package ack

import (
	"context"
	"log/slog"
	"time"
)

// QueueClient deletes a delivered message from its queue.
type QueueClient interface {
	DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error
}

// Session reports whether the owning consumer session is still usable.
type Session interface {
	CheckOpen() error
}

// Acknowledger is implemented by Tracker and Serial.
type Acknowledger interface {
	// Notify records a message delivered to the application.
	Notify(id Identifier)
	// Acknowledge deletes the message from its queue and stops tracking it.
	Acknowledge(ctx context.Context, id Identifier) error
	// UnAckMessages returns the tracked messages, oldest first.
	UnAckMessages() []Identifier
	// ForgetUnAckMessages drops every tracked message without deleting it.
	ForgetUnAckMessages()
}

// Metrics receives tracker events. Implementations must not block.
type Metrics interface {
	RecordNotify(added bool)
	RecordEviction()
	RecordAck(removed bool, latency time.Duration, err error)
	RecordForget(n int)
}

// Config defines configuration for a Tracker.
type Config struct {
	// MaxUnacknowledged bounds the number of tracked messages. Once exceeded,
	// the oldest tracked message is forgotten. Zero or negative means unbounded.
	MaxUnacknowledged int

	Logger  *slog.Logger
	Metrics Metrics
}

var (
	_ Acknowledger = (*Tracker)(nil)
	_ Acknowledger = (*Serial)(nil)
)

// Tracker acknowledges messages in any order, one at a time.
//
// A Tracker is not safe for concurrent use. It must be owned by a single
// consumer; wrap it with NewSerial when calls may come from several goroutines.
type Tracker struct {
	client   QueueClient
	session  Session
	capacity int
	unacked  *unackedSet
	logger   *slog.Logger
	metrics  Metrics
}

// NewTracker creates a tracker that deletes acknowledged messages through client.
func NewTracker(client QueueClient, session Session, cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	capacity := cfg.MaxUnacknowledged
	if capacity < 0 {
		capacity = 0
	}

	return &Tracker{
		client:   client,
		session:  session,
		capacity: capacity,
		unacked:  newUnackedSet(),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Capacity returns the configured bound, or zero when unbounded.
func (t *Tracker) Capacity() int {
	return t.capacity
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	return t.unacked.len()
}

// Notify records that a message was delivered but not yet acknowledged.
// Re-notifying a tracked receipt handle replaces the stored identifier in place.
func (t *Tracker) Notify(id Identifier) {
	added := t.unacked.put(id)
	t.metrics.RecordNotify(added)

	if evicted, ok := evictIfOverCapacity(t.unacked, t.capacity); ok {
		t.metrics.RecordEviction()
		t.logger.Debug("forgot oldest unacknowledged message",
			slog.String("queue", evicted.QueueURL),
			slog.String("receipt_handle", evicted.ReceiptHandle),
			slog.Int("capacity", t.capacity))
	}
}

// Acknowledge deletes the message from its queue and stops tracking it.
// Errors from the session and the queue client are returned unchanged. When
// the delete fails the message stays tracked so it can be acknowledged again.
func (t *Tracker) Acknowledge(ctx context.Context, id Identifier) error {
	if err := t.session.CheckOpen(); err != nil {
		return err
	}

	start := time.Now()
	if err := t.client.DeleteMessage(ctx, id.QueueURL, id.ReceiptHandle); err != nil {
		t.metrics.RecordAck(false, time.Since(start), err)
		t.logger.Warn("failed to delete acknowledged message",
			slog.String("queue", id.QueueURL),
			slog.String("receipt_handle", id.ReceiptHandle),
			slog.String("error", err.Error()))
		return err
	}

	removed := t.unacked.remove(id.ReceiptHandle)
	t.metrics.RecordAck(removed, time.Since(start), nil)
	return nil
}

// UnAckMessages returns a copy of the tracked messages in consumption order.
func (t *Tracker) UnAckMessages() []Identifier {
	return t.unacked.snapshot()
}

// ForgetUnAckMessages drops all tracked messages. Nothing is deleted.
func (t *Tracker) ForgetUnAckMessages() {
	n := t.unacked.clear()
	t.metrics.RecordForget(n)
}

type noopMetrics struct{}

func (noopMetrics) RecordNotify(bool) {}
func (noopMetrics) RecordEviction() {}
func (noopMetrics) RecordAck(bool, time.Duration, error) {}
func (noopMetrics) RecordForget(int) {}
