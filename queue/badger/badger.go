// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a durable local queue backed by BadgerDB.
package badger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/unack/queue"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	_ queue.Client = (*Queue)(nil)
	_ queue.Sender = (*Queue)(nil)
)

// DefaultVisibilityTimeout hides received messages when Config leaves it unset.
const DefaultVisibilityTimeout = 30 * time.Second

// Config holds BadgerDB queue configuration.
type Config struct {
	Dir               string
	InMemory          bool
	SyncWrites        bool
	VisibilityTimeout time.Duration
	Compression       Compression
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is a queue.Client persisting messages in BadgerDB.
//
// Key format:
//   - Message: q/{queue}/m/{seq}
//   - Receipt: q/{queue}/r/{receiptHandle} -> message key, or empty once
//     the message is deleted (expires after the visibility timeout)
//
// {queue} is the base64url encoded queue URL and {seq} a zero padded
// per-queue sequence, so a prefix scan returns messages in send order.
type Queue struct {
	db          *badger.DB
	visibility  time.Duration
	compression Compression
	now         func() time.Time

	seqMu     sync.Mutex
	sequences map[string]*badger.Sequence

	// Serializes receives so concurrent callers never claim the same message.
	receiveMu sync.Mutex

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

type record struct {
	ID             string            `json:"id"`
	GroupID        string            `json:"group_id,omitempty"`
	SequenceNumber string            `json:"sequence_number,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Body           []byte            `json:"body"`
	Compression    Compression       `json:"compression"`
	SentAt         time.Time         `json:"sent_at"`
	VisibleAt      time.Time         `json:"visible_at"`
	ReceiveCount   int               `json:"receive_count"`
	Receipts       []string          `json:"receipts,omitempty"`
}

// New opens the BadgerDB queue.
func New(cfg Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	q := &Queue{
		db:          db,
		visibility:  cfg.VisibilityTimeout,
		compression: cfg.Compression,
		now:         cfg.Now,
		sequences:   make(map[string]*badger.Sequence),
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	if cfg.InMemory {
		close(q.gcDone)
	} else {
		go q.runGC()
	}

	return q, nil
}

func queuePrefix(queueURL string) string {
	return "q/" + base64.RawURLEncoding.EncodeToString([]byte(queueURL)) + "/"
}

func messagePrefix(queueURL string) []byte {
	return []byte(queuePrefix(queueURL) + "m/")
}

func messageKey(queueURL string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%sm/%020d", queuePrefix(queueURL), seq))
}

func receiptKey(queueURL, receiptHandle string) []byte {
	return []byte(queuePrefix(queueURL) + "r/" + receiptHandle)
}

func (q *Queue) nextSequence(queueURL string) (uint64, error) {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()

	seq, ok := q.sequences[queueURL]
	if !ok {
		var err error
		seq, err = q.db.GetSequence([]byte(queuePrefix(queueURL)+"seq"), 100)
		if err != nil {
			return 0, err
		}
		q.sequences[queueURL] = seq
	}
	return seq.Next()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// SendMessage stores a message and returns its ID.
func (q *Queue) SendMessage(ctx context.Context, queueURL string, out queue.Outgoing) (string, error) {
	if queueURL == "" {
		return "", queue.ErrEmptyQueueURL
	}
	if q.isClosed() {
		return "", queue.ErrClosed
	}

	seq, err := q.nextSequence(queueURL)
	if err != nil {
		return "", fmt.Errorf("failed to allocate sequence: %w", err)
	}

	now := q.now()
	rec := record{
		ID:          uuid.NewString(),
		GroupID:     out.GroupID,
		Attributes:  out.Attributes,
		Body:        compress(out.Body, q.compression),
		Compression: q.compression,
		SentAt:      now,
		VisibleAt:   now,
	}
	if out.GroupID != "" {
		rec.SequenceNumber = strconv.FormatUint(seq+1, 10)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(queueURL, seq), data)
	}); err != nil {
		return "", err
	}

	return rec.ID, nil
}

// ReceiveMessages delivers up to maxMessages visible messages in send order.
func (q *Queue) ReceiveMessages(ctx context.Context, queueURL string, maxMessages int) ([]*queue.Message, error) {
	if err := queue.ValidateReceive(queueURL, maxMessages); err != nil {
		return nil, err
	}
	if q.isClosed() {
		return nil, queue.ErrClosed
	}

	q.receiveMu.Lock()
	defer q.receiveMu.Unlock()

	now := q.now()
	msgs := make([]*queue.Message, 0, maxMessages)

	err := q.db.Update(func(txn *badger.Txn) error {
		type claim struct {
			key []byte
			rec record
		}
		var claims []claim

		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(queueURL)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid() && len(claims) < maxMessages; it.Next() {
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				it.Close()
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if rec.VisibleAt.After(now) {
				continue
			}
			claims = append(claims, claim{key: item.KeyCopy(nil), rec: rec})
		}
		it.Close()

		for _, c := range claims {
			receipt := uuid.NewString()
			c.rec.Receipts = append(c.rec.Receipts, receipt)
			c.rec.VisibleAt = now.Add(q.visibility)
			c.rec.ReceiveCount++

			data, err := json.Marshal(c.rec)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := txn.Set(c.key, data); err != nil {
				return err
			}
			if err := txn.Set(receiptKey(queueURL, receipt), c.key); err != nil {
				return err
			}

			body, err := decompress(c.rec.Body, c.rec.Compression)
			if err != nil {
				return fmt.Errorf("failed to decompress message %s: %w", c.rec.ID, err)
			}
			msgs = append(msgs, &queue.Message{
				ID:             c.rec.ID,
				QueueURL:       queueURL,
				ReceiptHandle:  receipt,
				Body:           body,
				GroupID:        c.rec.GroupID,
				SequenceNumber: c.rec.SequenceNumber,
				Attributes:     c.rec.Attributes,
				ReceiveCount:   c.rec.ReceiveCount,
				SentAt:         c.rec.SentAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// errReceiptDeleted marks a receipt handle whose message was already deleted.
var errReceiptDeleted = errors.New("receipt handle belongs to a deleted message")

// lookup resolves a receipt handle to the message key and record.
func lookup(txn *badger.Txn, queueURL, receiptHandle string) ([]byte, record, error) {
	var rec record

	item, err := txn.Get(receiptKey(queueURL, receiptHandle))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, rec, queue.ErrReceiptHandleInvalid
		}
		return nil, rec, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, rec, err
	}
	if len(key) == 0 {
		return nil, rec, errReceiptDeleted
	}

	item, err = txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, rec, queue.ErrReceiptHandleInvalid
		}
		return nil, rec, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, rec, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return key, rec, nil
}

// DeleteMessage removes the message behind receiptHandle. Every receipt
// handle issued for it is kept as a tombstone for the visibility timeout, so
// deleting again with any of them succeeds until then.
func (q *Queue) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	if q.isClosed() {
		return queue.ErrClosed
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		key, rec, err := lookup(txn, queueURL, receiptHandle)
		if err != nil {
			return err
		}
		for _, r := range rec.Receipts {
			tombstone := badger.NewEntry(receiptKey(queueURL, r), nil).WithTTL(q.visibility)
			if err := txn.SetEntry(tombstone); err != nil {
				return err
			}
		}
		return txn.Delete(key)
	})
	switch {
	case err == nil, errors.Is(err, errReceiptDeleted):
		return nil
	case errors.Is(err, queue.ErrReceiptHandleInvalid):
		return err
	default:
		return fmt.Errorf("%w: %w", queue.ErrDeleteFailed, err)
	}
}

// ChangeVisibility reschedules the message behind receiptHandle.
func (q *Queue) ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return queue.ErrInvalidVisibilityTime
	}
	if q.isClosed() {
		return queue.ErrClosed
	}

	return q.db.Update(func(txn *badger.Txn) error {
		key, rec, err := lookup(txn, queueURL, receiptHandle)
		if errors.Is(err, errReceiptDeleted) {
			return queue.ErrReceiptHandleInvalid
		}
		if err != nil {
			return err
		}
		rec.VisibleAt = q.now().Add(timeout)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Len returns the number of messages stored for queueURL, visible or not.
func (q *Queue) Len(queueURL string) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(queueURL)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close releases sequences and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.gcStopCh)
	<-q.gcDone

	q.seqMu.Lock()
	for _, seq := range q.sequences {
		_ = seq.Release()
	}
	q.sequences = nil
	q.seqMu.Unlock()

	return q.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (q *Queue) runGC() {
	defer close(q.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = q.db.RunValueLogGC(0.5)
		case <-q.gcStopCh:
			return
		}
	}
}
