// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/unack/ack"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/unack"

var _ ack.Metrics = (*Metrics)(nil)

// Metrics records acknowledgement tracker events as OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	notified    metric.Int64Counter
	renotified  metric.Int64Counter
	evicted     metric.Int64Counter
	acked       metric.Int64Counter
	ackFailures metric.Int64Counter
	forgotten   metric.Int64Counter
	tracked     metric.Int64UpDownCounter
	ackDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(instrumentationName),
	}

	var err error

	m.notified, err = m.meter.Int64Counter(
		"unack.messages.notified.total",
		metric.WithDescription("Messages recorded as delivered but unacknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notified counter: %w", err)
	}

	m.renotified, err = m.meter.Int64Counter(
		"unack.messages.renotified.total",
		metric.WithDescription("Notifications for receipt handles already tracked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create renotified counter: %w", err)
	}

	m.evicted, err = m.meter.Int64Counter(
		"unack.messages.evicted.total",
		metric.WithDescription("Unacknowledged messages forgotten to stay within capacity"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evicted counter: %w", err)
	}

	m.acked, err = m.meter.Int64Counter(
		"unack.acks.total",
		metric.WithDescription("Successful acknowledgements"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acked counter: %w", err)
	}

	m.ackFailures, err = m.meter.Int64Counter(
		"unack.acks.failed.total",
		metric.WithDescription("Acknowledgements whose delete failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackFailures counter: %w", err)
	}

	m.forgotten, err = m.meter.Int64Counter(
		"unack.messages.forgotten.total",
		metric.WithDescription("Unacknowledged messages dropped by an explicit clear"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forgotten counter: %w", err)
	}

	m.tracked, err = m.meter.Int64UpDownCounter(
		"unack.messages.tracked",
		metric.WithDescription("Messages currently tracked as unacknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracked gauge: %w", err)
	}

	m.ackDuration, err = m.meter.Float64Histogram(
		"unack.ack.duration.ms",
		metric.WithDescription("Acknowledgement delete duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackDuration histogram: %w", err)
	}

	return m, nil
}

// RecordNotify records a notification; added is false for a re-notification.
func (m *Metrics) RecordNotify(added bool) {
	ctx := context.Background()
	if !added {
		m.renotified.Add(ctx, 1)
		return
	}
	m.notified.Add(ctx, 1)
	m.tracked.Add(ctx, 1)
}

// RecordEviction records a message forgotten to respect capacity.
func (m *Metrics) RecordEviction() {
	ctx := context.Background()
	m.evicted.Add(ctx, 1)
	m.tracked.Add(ctx, -1)
}

// RecordAck records an acknowledgement attempt.
func (m *Metrics) RecordAck(removed bool, latency time.Duration, err error) {
	ctx := context.Background()
	m.ackDuration.Record(ctx, float64(latency.Microseconds())/1000, metric.WithAttributes(
		attribute.Bool("success", err == nil),
	))
	if err != nil {
		m.ackFailures.Add(ctx, 1)
		return
	}
	m.acked.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("tracked", removed),
	))
	if removed {
		m.tracked.Add(ctx, -1)
	}
}

// RecordForget records an explicit clear of n messages.
func (m *Metrics) RecordForget(n int) {
	if n == 0 {
		return
	}
	ctx := context.Background()
	m.forgotten.Add(ctx, int64(n))
	m.tracked.Add(ctx, -int64(n))
}
