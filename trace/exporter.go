//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package trace exports OpenTelemetry spans into a PostgreSQL traces table
// so span data can be queried next to the rest of the runtime state.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

const createTracesTableSQL = `CREATE TABLE IF NOT EXISTS traces (
	id BIGSERIAL PRIMARY KEY,
	trace_id VARCHAR(32) NOT NULL,
	span_id VARCHAR(16) NOT NULL,
	parent_span_id VARCHAR(16),
	operation_name VARCHAR(256) NOT NULL,
	span_kind VARCHAR(32) NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}',
	events JSONB NOT NULL DEFAULT '[]',
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	duration_ns BIGINT,
	status_code VARCHAR(16) NOT NULL DEFAULT 'UNSET',
	status_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createTracesIndexSQL = `CREATE INDEX IF NOT EXISTS idx_traces_trace_id ON traces (trace_id)`

const insertSpanQuery = `INSERT INTO traces
(trace_id, span_id, parent_span_id, operation_name, span_kind,
 attributes, events, start_time, end_time, duration_ns, status_code, status_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// Exporter writes finished spans into the traces table. It is driven by a
// batch span processor, so inserts happen off the request path.
type Exporter struct {
	pgClient storage.Client
}

// NewExporter creates an exporter and ensures the traces table exists.
func NewExporter(ctx context.Context, client storage.Client) (*Exporter, error) {
	if _, err := client.ExecContext(ctx, createTracesTableSQL); err != nil {
		return nil, fmt.Errorf("create traces table failed: %w", err)
	}
	if _, err := client.ExecContext(ctx, createTracesIndexSQL); err != nil {
		return nil, fmt.Errorf("create traces index failed: %w", err)
	}
	return &Exporter{pgClient: client}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		if err := e.insertSpan(ctx, span); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) insertSpan(ctx context.Context, span sdktrace.ReadOnlySpan) error {
	attrs, err := marshalAttributes(span.Attributes())
	if err != nil {
		return err
	}
	events, err := marshalEvents(span.Events())
	if err != nil {
		return err
	}
	var parentSpanID any
	if span.Parent().HasSpanID() {
		parentSpanID = span.Parent().SpanID().String()
	}
	var endTime any
	var durationNS any
	if !span.EndTime().IsZero() {
		endTime = span.EndTime()
		durationNS = span.EndTime().Sub(span.StartTime()).Nanoseconds()
	}
	var statusMessage any
	if span.Status().Description != "" {
		statusMessage = span.Status().Description
	}
	_, err = e.pgClient.ExecContext(ctx, insertSpanQuery,
		span.SpanContext().TraceID().String(),
		span.SpanContext().SpanID().String(),
		parentSpanID,
		span.Name(),
		strings.ToUpper(span.SpanKind().String()),
		attrs,
		events,
		span.StartTime(),
		endTime,
		durationNS,
		strings.ToUpper(span.Status().Code.String()),
		statusMessage,
	)
	if err != nil {
		return fmt.Errorf("insert span failed: %w", err)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return nil
}

// NewTracerProvider builds a tracer provider that batches spans into
// PostgreSQL. Callers own Shutdown.
func NewTracerProvider(ctx context.Context, client storage.Client, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := NewExporter(ctx, client)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	return provider, nil
}

func marshalAttributes(attrs []attribute.KeyValue) ([]byte, error) {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal span attributes failed: %w", err)
	}
	return data, nil
}

func marshalEvents(events []sdktrace.Event) ([]byte, error) {
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		attrs := make(map[string]any, len(ev.Attributes))
		for _, kv := range ev.Attributes {
			attrs[string(kv.Key)] = kv.Value.AsInterface()
		}
		out = append(out, map[string]any{
			"name":       ev.Name,
			"timestamp":  ev.Time.UnixNano(),
			"attributes": attrs,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal span events failed: %w", err)
	}
	return data, nil
}
