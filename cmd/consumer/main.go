// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/unack/ack"
	"github.com/absmach/unack/client"
	"github.com/absmach/unack/config"
	"github.com/absmach/unack/consumer"
	"github.com/absmach/unack/queue"
	"github.com/absmach/unack/queue/badger"
	"github.com/absmach/unack/queue/memory"
	"github.com/absmach/unack/queue/sqs"
	"github.com/absmach/unack/ratelimit"
	"github.com/absmach/unack/session"
	"github.com/absmach/unack/telemetry"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	seed := flag.Int("seed", 0, "Number of test messages to publish before consuming")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	sessionID := uuid.NewString()

	slog.Info("Starting queue consumer", "version", cfg.Telemetry.ServiceVersion)
	slog.Info("Configuration loaded",
		"queue_type", cfg.Queue.Type,
		"queue_url", cfg.Consumer.QueueURL,
		"max_unacknowledged", cfg.Consumer.MaxUnacknowledgedMessages,
		"batch_size", cfg.Consumer.BatchSize,
		"serialized", cfg.Consumer.Serialized,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetry.InitProvider(ctx, cfg.Telemetry, sessionID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	qc, err := newQueueClient(ctx, cfg.Queue)
	if err != nil {
		slog.Error("Failed to initialize queue", "type", cfg.Queue.Type, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := qc.Close(); err != nil {
			slog.Error("Failed to close queue", "error", err)
		}
	}()

	if *seed > 0 {
		if err := publish(ctx, qc, cfg.Consumer.QueueURL, *seed); err != nil {
			slog.Error("Failed to publish test messages", "error", err)
			os.Exit(1)
		}
		slog.Info("Published test messages", "count", *seed)
	}

	var deleter ack.QueueClient = qc
	if cfg.Delete.RateLimit.Enabled {
		deleter = ratelimit.NewDeleter(deleter, cfg.Delete.RateLimit.Rate, cfg.Delete.RateLimit.Burst)
		slog.Info("Delete rate limiting enabled",
			slog.Float64("rate", cfg.Delete.RateLimit.Rate),
			slog.Int("burst", cfg.Delete.RateLimit.Burst))
	}
	if cfg.Delete.CircuitBreaker.Enabled {
		deleter = client.NewBreaker(deleter, client.BreakerConfig{
			FailureThreshold: cfg.Delete.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Delete.CircuitBreaker.ResetTimeout,
		}, logger)
	}
	if cfg.Telemetry.TracesEnabled {
		deleter = telemetry.NewTraceClient(deleter, providers.TracerProvider)
		slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
	}

	var metrics ack.Metrics
	if cfg.Telemetry.MetricsEnabled {
		m, err := telemetry.NewMetrics(providers.MeterProvider)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		metrics = m
		slog.Info("OTel metrics enabled")
	}

	sess := session.New(sessionID)
	tracker := ack.NewTracker(deleter, sess, ack.Config{
		MaxUnacknowledged: cfg.Consumer.MaxUnacknowledgedMessages,
		Logger:            logger,
		Metrics:           metrics,
	})

	var acker ack.Acknowledger = tracker
	var serial *ack.Serial
	if cfg.Consumer.Serialized {
		serial = ack.NewSerial(tracker)
		acker = serial
	}

	c := consumer.New(qc, sess, acker, consumer.Config{
		QueueURL:     cfg.Consumer.QueueURL,
		BatchSize:    cfg.Consumer.BatchSize,
		PollInterval: cfg.Consumer.PollInterval,
		AckTimeout:   cfg.Delete.Timeout,
		Logger:       logger,
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx, func(ctx context.Context, msg *queue.Message) error {
			slog.Info("Message received",
				slog.String("message_id", msg.ID),
				slog.String("group_id", msg.GroupID),
				slog.Int("receive_count", msg.ReceiveCount),
				slog.Int("size", len(msg.Body)))
			return nil
		})
	}()

	slog.Info("Consumer started", "session", sessionID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-runErr:
		if err != nil {
			slog.Error("Consumer error", "error", err)
		}
	}

	cancel()
	<-runErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := c.Recover(shutdownCtx); err != nil {
		slog.Error("Failed to release unacknowledged messages", "error", err)
	}
	if err := c.Close(); err != nil {
		slog.Error("Failed to close session", "error", err)
	}
	if serial != nil {
		serial.Stop()
	}

	if err := providers.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("Queue consumer stopped")
}

func newQueueClient(ctx context.Context, cfg config.QueueConfig) (queue.Client, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory queue")
		return memory.New(memory.Config{VisibilityTimeout: cfg.VisibilityTimeout}), nil
	case "badger":
		compression, err := badger.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		q, err := badger.New(badger.Config{
			Dir:               cfg.BadgerDir,
			SyncWrites:        cfg.SyncWrites,
			VisibilityTimeout: cfg.VisibilityTimeout,
			Compression:       compression,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB persistent queue", "dir", cfg.BadgerDir, "compression", compression)
		return q, nil
	case "sqs":
		q, err := sqs.New(ctx, sqs.Config{
			Region:            cfg.Region,
			Endpoint:          cfg.Endpoint,
			WaitTime:          cfg.WaitTime,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using Amazon SQS", "region", cfg.Region)
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
	}
}

func publish(ctx context.Context, qc queue.Client, queueURL string, n int) error {
	sender, ok := qc.(queue.Sender)
	if !ok {
		return fmt.Errorf("queue client %T cannot publish", qc)
	}
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"seq":%d,"sent_at":%q}`, i, time.Now().Format(time.RFC3339Nano))
		if _, err := sender.SendMessage(ctx, queueURL, queue.Outgoing{Body: []byte(body)}); err != nil {
			return err
		}
	}
	return nil
}
