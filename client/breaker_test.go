// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/unack/queue"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedDeleter struct {
	errs  []error
	calls int
}

func (d *scriptedDeleter) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	d.calls++
	if len(d.errs) == 0 {
		return nil
	}
	err := d.errs[0]
	d.errs = d.errs[1:]
	return err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreaker_PassesThrough(t *testing.T) {
	next := &scriptedDeleter{}
	b := NewBreaker(next, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}, discardLogger())

	require.NoError(t, b.DeleteMessage(context.Background(), "q", "rh"))
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_ReturnsErrorUnchanged(t *testing.T) {
	backendErr := errors.New("backend down")
	next := &scriptedDeleter{errs: []error{backendErr}}
	b := NewBreaker(next, BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, discardLogger())

	err := b.DeleteMessage(context.Background(), "q", "rh")
	assert.ErrorIs(t, err, backendErr)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	backendErr := errors.New("backend down")
	next := &scriptedDeleter{errs: []error{backendErr, backendErr}}
	b := NewBreaker(next, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}, discardLogger())

	_ = b.DeleteMessage(context.Background(), "q", "rh1")
	_ = b.DeleteMessage(context.Background(), "q", "rh2")
	require.Equal(t, gobreaker.StateOpen, b.State())

	err := b.DeleteMessage(context.Background(), "q", "rh3")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls, "open breaker must not reach the backend")
}

func TestBreaker_InvalidReceiptDoesNotTrip(t *testing.T) {
	next := &scriptedDeleter{errs: []error{
		queue.ErrReceiptHandleInvalid,
		queue.ErrReceiptHandleInvalid,
		queue.ErrReceiptHandleInvalid,
	}}
	b := NewBreaker(next, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}, discardLogger())

	for i := 0; i < 3; i++ {
		err := b.DeleteMessage(context.Background(), "q", "stale")
		assert.ErrorIs(t, err, queue.ErrReceiptHandleInvalid)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	backendErr := errors.New("backend down")
	next := &scriptedDeleter{errs: []error{backendErr}}
	b := NewBreaker(next, BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, discardLogger())

	_ = b.DeleteMessage(context.Background(), "q", "rh1")
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	require.NoError(t, b.DeleteMessage(context.Background(), "q", "rh2"))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
