// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer receives messages from a queue and acknowledges them
// through an ack.Acknowledger bound to one session.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/unack/ack"
	"github.com/absmach/unack/queue"
	"github.com/absmach/unack/session"
)

// Handler processes one message. Returning nil acknowledges the message;
// an error leaves it unacknowledged for redelivery or Recover.
type Handler func(ctx context.Context, msg *queue.Message) error

// Config defines configuration for a Consumer.
type Config struct {
	QueueURL     string
	BatchSize    int
	PollInterval time.Duration
	// AckTimeout bounds each delete issued by an acknowledgement. Zero means
	// the caller's context is used as is.
	AckTimeout time.Duration
	Logger     *slog.Logger
}

// Consumer owns the receive side of a session. Receive, Acknowledge, Recover
// and Close must be called from one goroutine unless the acknowledger is an
// *ack.Serial.
type Consumer struct {
	client  queue.Client
	session *session.Session
	acker   ack.Acknowledger
	cfg     Config
	logger  *slog.Logger
}

// New creates a consumer. Closing the session forgets every message the
// acknowledger still tracks.
func New(client queue.Client, sess *session.Session, acker ack.Acknowledger, cfg Config) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > queue.MaxReceiveBatch {
		cfg.BatchSize = queue.MaxReceiveBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	c := &Consumer{
		client:  client,
		session: sess,
		acker:   acker,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("session", sess.ID())),
	}
	sess.SetOnClose(func(*session.Session) {
		acker.ForgetUnAckMessages()
	})

	return c
}

// Receive fetches the next batch and records every message as unacknowledged.
func (c *Consumer) Receive(ctx context.Context) ([]*queue.Message, error) {
	if err := c.session.CheckOpen(); err != nil {
		return nil, err
	}

	msgs, err := c.client.ReceiveMessages(ctx, c.cfg.QueueURL, c.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		c.acker.Notify(ack.FromMessage(msg))
	}

	return msgs, nil
}

// Acknowledge deletes msg from the queue and stops tracking it.
func (c *Consumer) Acknowledge(ctx context.Context, msg *queue.Message) error {
	if c.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AckTimeout)
		defer cancel()
	}
	return c.acker.Acknowledge(ctx, ack.FromMessage(msg))
}

// Unacknowledged returns the messages received but not yet acknowledged.
func (c *Consumer) Unacknowledged() []ack.Identifier {
	return c.acker.UnAckMessages()
}

// Recover returns every unacknowledged message to the queue for immediate
// redelivery and stops tracking them. Releasing is best effort: messages that
// could not be released reappear once their visibility timeout expires, and
// the joined errors are returned.
func (c *Consumer) Recover(ctx context.Context) error {
	if err := c.session.CheckOpen(); err != nil {
		return err
	}

	ids := c.acker.UnAckMessages()
	c.acker.ForgetUnAckMessages()

	var errs []error
	for _, id := range ids {
		if err := c.client.ChangeVisibility(ctx, id.QueueURL, id.ReceiptHandle, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		c.logger.Warn("failed to release unacknowledged messages",
			slog.Int("failed", len(errs)),
			slog.Int("total", len(ids)))
	}

	return errors.Join(errs...)
}

// Run receives and handles messages until ctx is done or the session closes.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.Receive(ctx)
		switch {
		case errors.Is(err, session.ErrSessionClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to receive messages", slog.String("error", err.Error()))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		case len(msgs) == 0:
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			if err := handler(ctx, msg); err != nil {
				c.logger.Warn("message handler failed",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()))
				continue
			}
			if err := c.Acknowledge(ctx, msg); err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					return nil
				}
				c.logger.Error("failed to acknowledge message",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the session, which forgets all unacknowledged messages.
func (c *Consumer) Close() error {
	return c.session.Close()
}
