// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import "github.com/absmach/unack/queue"

// Identifier identifies one delivery of a consumed message.
// It is built once per received message and never modified afterwards.
type Identifier struct {
	QueueURL       string
	ReceiptHandle  string
	GroupID        string // FIFO queues only
	SequenceNumber string // FIFO queues only
}

// FromMessage returns the identifier of a received message.
func FromMessage(msg *queue.Message) Identifier {
	return Identifier{
		QueueURL:       msg.QueueURL,
		ReceiptHandle:  msg.ReceiptHandle,
		GroupID:        msg.GroupID,
		SequenceNumber: msg.SequenceNumber,
	}
}
