// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/unack/ack"
	"github.com/absmach/unack/queue"
	"github.com/absmach/unack/queue/memory"
	"github.com/absmach/unack/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "local://orders"

type fixture struct {
	queue    *memory.Queue
	session  *session.Session
	tracker  *ack.Tracker
	consumer *Consumer
}

func setup(t *testing.T, capacity int) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := memory.New(memory.Config{VisibilityTimeout: time.Minute})
	t.Cleanup(func() { q.Close() })

	sess := session.New("test-session")
	tr := ack.NewTracker(q, sess, ack.Config{MaxUnacknowledged: capacity, Logger: logger})
	c := New(q, sess, tr, Config{
		QueueURL:     testQueue,
		BatchSize:    10,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger,
	})

	return &fixture{queue: q, session: sess, tracker: tr, consumer: c}
}

func (f *fixture) send(t *testing.T, bodies ...string) {
	t.Helper()

	for _, b := range bodies {
		_, err := f.queue.SendMessage(context.Background(), testQueue, queue.Outgoing{Body: []byte(b)})
		require.NoError(t, err)
	}
}

func TestReceiveNotifies(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a", "b", "c")

	msgs, err := f.consumer.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	unacked := f.consumer.Unacknowledged()
	require.Len(t, unacked, 3)
	for i, msg := range msgs {
		assert.Equal(t, ack.FromMessage(msg), unacked[i])
	}
}

func TestReceiveBounded(t *testing.T) {
	f := setup(t, 2)
	f.send(t, "a", "b", "c")

	msgs, err := f.consumer.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	unacked := f.consumer.Unacknowledged()
	require.Len(t, unacked, 2)
	assert.Equal(t, msgs[1].ReceiptHandle, unacked[0].ReceiptHandle)
	assert.Equal(t, msgs[2].ReceiptHandle, unacked[1].ReceiptHandle)
}

func TestAcknowledgeDeletes(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a", "b")

	msgs, err := f.consumer.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.consumer.Acknowledge(context.Background(), msgs[1]))

	assert.Equal(t, 1, f.queue.Len(testQueue))
	unacked := f.consumer.Unacknowledged()
	require.Len(t, unacked, 1)
	assert.Equal(t, msgs[0].ReceiptHandle, unacked[0].ReceiptHandle)
}

func TestAcknowledgeTwice(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a")
	ctx := context.Background()

	msgs, err := f.consumer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, f.consumer.Acknowledge(ctx, msgs[0]))
	require.NoError(t, f.consumer.Acknowledge(ctx, msgs[0]))

	assert.Empty(t, f.consumer.Unacknowledged())
	assert.Equal(t, 0, f.queue.Len(testQueue))
}

func TestAcknowledgeInvalidReceiptKeepsTracking(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a")

	msgs, err := f.consumer.Receive(context.Background())
	require.NoError(t, err)

	bogus := *msgs[0]
	bogus.ReceiptHandle = "bogus"
	f.tracker.Notify(ack.FromMessage(&bogus))

	err = f.consumer.Acknowledge(context.Background(), &bogus)
	assert.ErrorIs(t, err, queue.ErrReceiptHandleInvalid)
	assert.Len(t, f.consumer.Unacknowledged(), 2)
}

func TestRecoverReleases(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a", "b")
	ctx := context.Background()

	msgs, err := f.consumer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, f.consumer.Recover(ctx))
	assert.Empty(t, f.consumer.Unacknowledged())

	again, err := f.consumer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, msgs[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].ReceiveCount)
}

func TestRecoverJoinsErrors(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a")
	ctx := context.Background()

	_, err := f.consumer.Receive(ctx)
	require.NoError(t, err)
	f.tracker.Notify(ack.Identifier{QueueURL: testQueue, ReceiptHandle: "bogus"})

	err = f.consumer.Recover(ctx)
	assert.ErrorIs(t, err, queue.ErrReceiptHandleInvalid)
	assert.Empty(t, f.consumer.Unacknowledged())
}

func TestCloseForgets(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "a", "b")
	ctx := context.Background()

	msgs, err := f.consumer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, f.consumer.Unacknowledged(), 2)

	require.NoError(t, f.consumer.Close())
	assert.Equal(t, session.StateClosed, f.session.State())
	assert.Empty(t, f.consumer.Unacknowledged())

	_, err = f.consumer.Receive(ctx)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	assert.ErrorIs(t, f.consumer.Acknowledge(ctx, msgs[0]), session.ErrSessionClosed)
	assert.ErrorIs(t, f.consumer.Recover(ctx), session.ErrSessionClosed)
	assert.Equal(t, 2, f.queue.Len(testQueue))
}

func TestRunAcknowledgesHandled(t *testing.T) {
	f := setup(t, 0)
	f.send(t, "ok-1", "fail", "ok-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(ctx context.Context, msg *queue.Message) error {
		mu.Lock()
		defer mu.Unlock()

		seen[string(msg.Body)]++
		if len(seen) == 3 {
			cancel()
		}
		if string(msg.Body) == "fail" {
			return errors.New("handler failed")
		}
		return nil
	}

	require.NoError(t, f.consumer.Run(ctx, handler))

	assert.Equal(t, 1, f.queue.Len(testQueue))
	unacked := f.consumer.Unacknowledged()
	require.Len(t, unacked, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"ok-1": 1, "fail": 1, "ok-2": 1}, seen)
}

func TestRunStopsWhenSessionCloses(t *testing.T) {
	f := setup(t, 0)

	done := make(chan error, 1)
	go func() {
		done <- f.consumer.Run(context.Background(), func(context.Context, *queue.Message) error {
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.consumer.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the session closed")
	}
}

func TestNewDefaults(t *testing.T) {
	q := memory.New(memory.Config{})
	defer q.Close()
	sess := session.New("s")

	c := New(q, sess, ack.NewTracker(q, sess, ack.Config{}), Config{QueueURL: testQueue, BatchSize: 50})

	assert.Equal(t, queue.MaxReceiveBatch, c.cfg.BatchSize)
	assert.Equal(t, time.Second, c.cfg.PollInterval)
	assert.NotNil(t, c.logger)
}
