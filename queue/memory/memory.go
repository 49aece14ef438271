// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process queue with visibility timeouts.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/unack/queue"
	"github.com/google/uuid"
)

var (
	_ queue.Client = (*Queue)(nil)
	_ queue.Sender = (*Queue)(nil)
)

// DefaultVisibilityTimeout hides received messages when Config leaves it unset.
const DefaultVisibilityTimeout = 30 * time.Second

// Config holds in-memory queue configuration.
type Config struct {
	VisibilityTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is a map-backed queue.Client. Queues are created on first use.
type Queue struct {
	mu         sync.Mutex
	queues     map[string]*messageQueue
	visibility time.Duration
	now        func() time.Time
	closed     bool
}

type messageQueue struct {
	order    []*storedMessage
	receipts map[string]*storedMessage
	// Receipt handles of deleted messages, mapped to when they expire.
	deleted  map[string]time.Time
	sequence uint64
}

type storedMessage struct {
	msg       queue.Message
	visibleAt time.Time
	receipts  []string
}

// New creates an empty in-memory queue.
func New(cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		queues:     make(map[string]*messageQueue),
		visibility: cfg.VisibilityTimeout,
		now:        cfg.Now,
	}
}

func (q *Queue) queue(queueURL string) *messageQueue {
	mq, ok := q.queues[queueURL]
	if !ok {
		mq = &messageQueue{
			receipts: make(map[string]*storedMessage),
			deleted:  make(map[string]time.Time),
		}
		q.queues[queueURL] = mq
	}
	return mq
}

// SendMessage appends a message and returns its ID.
func (q *Queue) SendMessage(ctx context.Context, queueURL string, out queue.Outgoing) (string, error) {
	if queueURL == "" {
		return "", queue.ErrEmptyQueueURL
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.ErrClosed
	}

	mq := q.queue(queueURL)
	mq.sequence++

	now := q.now()
	sm := &storedMessage{
		msg: queue.Message{
			ID:         uuid.NewString(),
			QueueURL:   queueURL,
			Body:       append([]byte(nil), out.Body...),
			GroupID:    out.GroupID,
			Attributes: copyAttributes(out.Attributes),
			SentAt:     now,
		},
		visibleAt: now,
	}
	if out.GroupID != "" {
		sm.msg.SequenceNumber = strconv.FormatUint(mq.sequence, 10)
	}
	mq.order = append(mq.order, sm)

	return sm.msg.ID, nil
}

// ReceiveMessages delivers up to maxMessages visible messages in send order.
func (q *Queue) ReceiveMessages(ctx context.Context, queueURL string, maxMessages int) ([]*queue.Message, error) {
	if err := queue.ValidateReceive(queueURL, maxMessages); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrClosed
	}

	mq := q.queue(queueURL)
	now := q.now()
	msgs := make([]*queue.Message, 0, maxMessages)

	for _, sm := range mq.order {
		if len(msgs) == maxMessages {
			break
		}
		if sm.visibleAt.After(now) {
			continue
		}

		receipt := uuid.NewString()
		sm.receipts = append(sm.receipts, receipt)
		sm.visibleAt = now.Add(q.visibility)
		sm.msg.ReceiveCount++
		mq.receipts[receipt] = sm

		delivered := sm.msg
		delivered.ReceiptHandle = receipt
		delivered.Body = append([]byte(nil), sm.msg.Body...)
		delivered.Attributes = copyAttributes(sm.msg.Attributes)
		msgs = append(msgs, &delivered)
	}

	return msgs, nil
}

// DeleteMessage removes the message behind receiptHandle. Any receipt handle
// issued for the message is accepted. Deleting again with a receipt handle of
// an already deleted message succeeds until the visibility timeout elapses.
func (q *Queue) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}

	mq, ok := q.queues[queueURL]
	if !ok {
		return queue.ErrReceiptHandleInvalid
	}

	now := q.now()
	for r, expires := range mq.deleted {
		if !now.Before(expires) {
			delete(mq.deleted, r)
		}
	}

	sm, ok := mq.receipts[receiptHandle]
	if !ok {
		if _, deleted := mq.deleted[receiptHandle]; deleted {
			return nil
		}
		return queue.ErrReceiptHandleInvalid
	}

	expires := now.Add(q.visibility)
	for _, r := range sm.receipts {
		delete(mq.receipts, r)
		mq.deleted[r] = expires
	}
	for i, m := range mq.order {
		if m == sm {
			mq.order = append(mq.order[:i], mq.order[i+1:]...)
			break
		}
	}

	return nil
}

// ChangeVisibility reschedules the message behind receiptHandle.
func (q *Queue) ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return queue.ErrInvalidVisibilityTime
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}

	mq, ok := q.queues[queueURL]
	if !ok {
		return queue.ErrReceiptHandleInvalid
	}
	sm, ok := mq.receipts[receiptHandle]
	if !ok {
		return queue.ErrReceiptHandleInvalid
	}
	sm.visibleAt = q.now().Add(timeout)

	return nil
}

// Len returns the number of messages held for queueURL, visible or not.
func (q *Queue) Len(queueURL string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq, ok := q.queues[queueURL]
	if !ok {
		return 0
	}
	return len(mq.order)
}

// Close rejects further operations.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

func copyAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}
