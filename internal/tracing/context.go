// Package tracing propagates a distributed trace across one agent run —
// from the inbound message through every LLM call and tool invocation — and
// ships the resulting spans to an OTLP collector.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type tracingContextKey string

const (
	ctxTraceID              tracingContextKey = "tracing_trace_id"
	ctxCollector             tracingContextKey = "tracing_collector"
	ctxParentSpanID          tracingContextKey = "tracing_parent_span_id"
	ctxAnnounceParentSpanID  tracingContextKey = "tracing_announce_parent_span_id"
	ctxDelegateParentTraceID tracingContextKey = "tracing_delegate_parent_trace_id"
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

// TraceIDFromContext returns uuid.Nil when no trace is active.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxTraceID).(uuid.UUID)
	return id
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, ctxCollector, c)
}

// CollectorFromContext returns nil when tracing is disabled.
func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(ctxCollector).(*Collector)
	return c
}

// WithParentSpanID records the span new child spans (LLM calls, tool calls)
// should nest under — normally the root "agent" span for this run.
func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxParentSpanID, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxParentSpanID).(uuid.UUID)
	return id
}

// WithAnnounceParentSpanID marks this run as a subagent announcement nested
// under the root span of the parent conversation it's reporting back into.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAnnounceParentSpanID, id)
}

func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAnnounceParentSpanID).(uuid.UUID)
	return id
}

// WithDelegateParentTraceID links a delegated run (e.g. a spawned subagent)
// back to the trace of the conversation that spawned it.
func WithDelegateParentTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxDelegateParentTraceID, id)
}

func DelegateParentTraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxDelegateParentTraceID).(uuid.UUID)
	return id
}
