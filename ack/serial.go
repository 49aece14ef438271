// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by a Serial after Stop has been called.
var ErrStopped = errors.New("acknowledger stopped")

// Serial owns a Tracker on a single goroutine and runs every call on it in
// arrival order, so it is safe for concurrent use. A slow delete blocks the
// calls queued behind it.
type Serial struct {
	tracker  *Tracker
	requests chan func()
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewSerial starts the goroutine that owns t. The caller must not use t
// directly afterwards.
func NewSerial(t *Tracker) *Serial {
	s := &Serial{
		tracker:  t,
		requests: make(chan func()),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.done)

	for {
		select {
		case fn := <-s.requests:
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// do hands fn to the owner goroutine and waits until it has run.
func (s *Serial) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.requests <- req:
	case <-s.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

// Notify records a delivered message. It is dropped once the Serial is stopped.
func (s *Serial) Notify(id Identifier) {
	_ = s.do(context.Background(), func() {
		s.tracker.Notify(id)
	})
}

// Acknowledge runs Tracker.Acknowledge on the owner goroutine. The context
// also bounds the wait for earlier calls to finish.
func (s *Serial) Acknowledge(ctx context.Context, id Identifier) error {
	var ackErr error
	if err := s.do(ctx, func() {
		ackErr = s.tracker.Acknowledge(ctx, id)
	}); err != nil {
		return err
	}
	return ackErr
}

// UnAckMessages returns a snapshot of the tracked messages, or nil once stopped.
func (s *Serial) UnAckMessages() []Identifier {
	var ids []Identifier
	_ = s.do(context.Background(), func() {
		ids = s.tracker.UnAckMessages()
	})
	return ids
}

// ForgetUnAckMessages drops all tracked messages.
func (s *Serial) ForgetUnAckMessages() {
	_ = s.do(context.Background(), func() {
		s.tracker.ForgetUnAckMessages()
	})
}

// Len returns the number of tracked messages.
func (s *Serial) Len() int {
	var n int
	_ = s.do(context.Background(), func() {
		n = s.tracker.Len()
	})
	return n
}

// Stop terminates the owner goroutine after the running call completes.
func (s *Serial) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.done
}
