// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue defines the message queue client used by consumers.
package queue

import (
	"context"
	"time"
)

// MaxReceiveBatch is the largest number of messages a single receive returns.
const MaxReceiveBatch = 10

// Client receives, deletes and releases queue messages.
type Client interface {
	// ReceiveMessages returns up to maxMessages visible messages and hides
	// them for the visibility timeout. It returns an empty slice when the
	// queue has nothing to deliver.
	ReceiveMessages(ctx context.Context, queueURL string, maxMessages int) ([]*Message, error)

	// DeleteMessage removes the delivery identified by receiptHandle.
	// Deleting an already deleted message with one of its receipt handles
	// succeeds, so acknowledgements can be repeated safely.
	DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error

	// ChangeVisibility makes the delivery visible again after timeout.
	// A zero timeout returns the message to the queue immediately.
	ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error

	Close() error
}

// Sender publishes messages. Implemented by the local backends and SQS.
type Sender interface {
	SendMessage(ctx context.Context, queueURL string, msg Outgoing) (string, error)
}

// ValidateReceive checks the arguments shared by every ReceiveMessages implementation.
func ValidateReceive(queueURL string, maxMessages int) error {
	if queueURL == "" {
		return ErrEmptyQueueURL
	}
	if maxMessages < 1 || maxMessages > MaxReceiveBatch {
		return ErrInvalidMaxMessages
	}
	return nil
}
