// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"github.com/absmach/unack/ack"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ ack.QueueClient = (*TraceClient)(nil)

// TraceClient records a span around every delete.
type TraceClient struct {
	next   ack.QueueClient
	tracer trace.Tracer
}

// NewTraceClient wraps next using tp, or the global provider when tp is nil.
func NewTraceClient(next ack.QueueClient, tp trace.TracerProvider) *TraceClient {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TraceClient{
		next:   next,
		tracer: tp.Tracer(instrumentationName),
	}
}

// DeleteMessage deletes through the wrapped client inside a span.
func (c *TraceClient) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	ctx, span := c.tracer.Start(ctx, "queue.delete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("queue.url", queueURL)),
	)
	defer span.End()

	err := c.next.DeleteMessage(ctx, queueURL, receiptHandle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
