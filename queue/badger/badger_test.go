// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/absmach/unack/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "https://sqs.local/000000000000/orders.fifo"

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func setupQueue(t *testing.T, compression Compression) (*Queue, *clock) {
	t.Helper()

	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q, err := New(Config{
		InMemory:          true,
		VisibilityTimeout: 10 * time.Second,
		Compression:       compression,
		Now:               clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return q, clk
}

func TestSendReceiveDelete(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			q, _ := setupQueue(t, c)
			ctx := context.Background()
			body := bytes.Repeat([]byte("payload "), 64)

			id, err := q.SendMessage(ctx, testQueue, queue.Outgoing{
				Body:       body,
				GroupID:    "g1",
				Attributes: map[string]string{"type": "order"},
			})
			require.NoError(t, err)

			msgs, err := q.ReceiveMessages(ctx, testQueue, 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			msg := msgs[0]
			assert.Equal(t, id, msg.ID)
			assert.Equal(t, body, msg.Body)
			assert.Equal(t, "g1", msg.GroupID)
			assert.Equal(t, "1", msg.SequenceNumber)
			assert.Equal(t, "order", msg.Attributes["type"])
			assert.Equal(t, 1, msg.ReceiveCount)

			require.NoError(t, q.DeleteMessage(ctx, testQueue, msg.ReceiptHandle))

			n, err := q.Len(testQueue)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestReceiveOrderAndVisibility(t *testing.T) {
	q, clk := setupQueue(t, CompressionNone)
	ctx := context.Background()

	var ids []string
	for _, body := range []string{"a", "b", "c"} {
		id, err := q.SendMessage(ctx, testQueue, queue.Outgoing{Body: []byte(body)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := q.ReceiveMessages(ctx, testQueue, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].ID)
	assert.Equal(t, ids[1], first[1].ID)

	rest, err := q.ReceiveMessages(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)

	none, err := q.ReceiveMessages(ctx, testQueue, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	clk.advance(11 * time.Second)

	again, err := q.ReceiveMessages(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.Equal(t, 2, again[0].ReceiveCount)
}

func TestDeleteMessageRepeated(t *testing.T) {
	q, clk := setupQueue(t, CompressionNone)
	ctx := context.Background()

	_, err := q.SendMessage(ctx, testQueue, queue.Outgoing{Body: []byte("a")})
	require.NoError(t, err)

	first, err := q.ReceiveMessages(ctx, testQueue, 1)
	require.NoError(t, err)
	clk.advance(11 * time.Second)
	second, err := q.ReceiveMessages(ctx, testQueue, 1)
	require.NoError(t, err)

	require.NoError(t, q.DeleteMessage(ctx, testQueue, first[0].ReceiptHandle))
	assert.NoError(t, q.DeleteMessage(ctx, testQueue, first[0].ReceiptHandle))
	assert.NoError(t, q.DeleteMessage(ctx, testQueue, second[0].ReceiptHandle))

	n, err := q.Len(testQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, q.ChangeVisibility(ctx, testQueue, first[0].ReceiptHandle, 0), queue.ErrReceiptHandleInvalid)
	assert.ErrorIs(t, q.DeleteMessage(ctx, testQueue, "bogus"), queue.ErrReceiptHandleInvalid)
}

func TestChangeVisibility(t *testing.T) {
	q, _ := setupQueue(t, CompressionNone)
	ctx := context.Background()

	_, err := q.SendMessage(ctx, testQueue, queue.Outgoing{Body: []byte("a")})
	require.NoError(t, err)

	msgs, err := q.ReceiveMessages(ctx, testQueue, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ChangeVisibility(ctx, testQueue, msgs[0].ReceiptHandle, 0))

	again, err := q.ReceiveMessages(ctx, testQueue, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)

	assert.ErrorIs(t, q.ChangeVisibility(ctx, testQueue, "bogus", 0), queue.ErrReceiptHandleInvalid)
	assert.ErrorIs(t, q.ChangeVisibility(ctx, testQueue, again[0].ReceiptHandle, -time.Second), queue.ErrInvalidVisibilityTime)
}

func TestQueuesAreIsolated(t *testing.T) {
	q, _ := setupQueue(t, CompressionNone)
	ctx := context.Background()

	_, err := q.SendMessage(ctx, "local://a", queue.Outgoing{Body: []byte("a")})
	require.NoError(t, err)

	msgs, err := q.ReceiveMessages(ctx, "local://b", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = q.ReceiveMessages(ctx, "local://a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.ErrorIs(t, q.DeleteMessage(ctx, "local://b", msgs[0].ReceiptHandle), queue.ErrReceiptHandleInvalid)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := New(Config{Dir: dir, Compression: CompressionS2})
	require.NoError(t, err)
	id, err := q.SendMessage(ctx, testQueue, queue.Outgoing{Body: []byte("durable")})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer q.Close()

	msgs, err := q.ReceiveMessages(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, []byte("durable"), msgs[0].Body)
}

func TestClosed(t *testing.T) {
	q, _ := setupQueue(t, CompressionNone)
	ctx := context.Background()
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.SendMessage(ctx, testQueue, queue.Outgoing{Body: []byte("a")})
	assert.ErrorIs(t, err, queue.ErrClosed)
	_, err = q.ReceiveMessages(ctx, testQueue, 1)
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.ErrorIs(t, q.DeleteMessage(ctx, testQueue, "rh"), queue.ErrClosed)
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{in: "", want: CompressionNone},
		{in: "none", want: CompressionNone},
		{in: "s2", want: CompressionS2},
		{in: "zstd", want: CompressionZstd},
		{in: "lz4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 128)

	for _, c := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		encoded := compress(data, c)
		if c != CompressionNone {
			assert.Less(t, len(encoded), len(data))
		}
		decoded, err := decompress(encoded, c)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}
