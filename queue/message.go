// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "time"

// Message is one delivery of a message received from a queue.
type Message struct {
	ID             string
	QueueURL       string
	ReceiptHandle  string // unique per delivery, used to delete the message
	Body           []byte
	GroupID        string // FIFO message group, empty for standard queues
	SequenceNumber string // FIFO sequence number, empty for standard queues
	Attributes     map[string]string
	ReceiveCount   int
	SentAt         time.Time
}

// Outgoing describes a message to send.
type Outgoing struct {
	Body       []byte
	GroupID    string
	Attributes map[string]string
}
