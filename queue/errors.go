// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

// Queue errors.
var (
	ErrClosed                = errors.New("queue client closed")
	ErrReceiptHandleInvalid  = errors.New("receipt handle is invalid or expired")
	ErrDeleteFailed          = errors.New("failed to delete message")
	ErrEmptyQueueURL         = errors.New("queue URL cannot be empty")
	ErrInvalidMaxMessages    = errors.New("max messages must be between 1 and 10")
	ErrInvalidVisibilityTime = errors.New("visibility timeout cannot be negative")
)
