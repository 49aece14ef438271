// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session provides the consumer session lifecycle.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// State represents the session state.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the lifecycle owner of one consumer. It is open from creation
// until Close.
type Session struct {
	mu sync.RWMutex

	id       string
	state    State
	openedAt time.Time
	closedAt time.Time

	onClose func(*Session)
}

// New creates an open session.
func New(id string) *Session {
	return &Session{
		id:       id,
		state:    StateOpen,
		openedAt: time.Now(),
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OpenedAt returns when the session was created.
func (s *Session) OpenedAt() time.Time {
	return s.openedAt
}

// ClosedAt returns when the session was closed, or the zero time.
func (s *Session) ClosedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closedAt
}

// CheckOpen returns ErrSessionClosed unless the session is open.
func (s *Session) CheckOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateOpen {
		return ErrSessionClosed
	}
	return nil
}

// SetOnClose sets a callback run once by Close, after the session stops
// accepting operations and before it is marked closed.
func (s *Session) SetOnClose(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Close closes the session. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose(s)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.closedAt = time.Now()
	s.mu.Unlock()

	return nil
}
