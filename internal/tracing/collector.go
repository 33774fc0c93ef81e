package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nicolasforstinger/lucyd/internal/store"
)

// Collector bridges the agent loop's span bookkeeping (store.TraceData /
// store.SpanData, which describe already-completed work with explicit start
// and end timestamps) onto a live OTel tracer, which expects spans to be
// started and ended as the work happens. Every trace/span here is replayed
// onto the SDK using WithTimestamp so durations exported to the collector
// match what actually happened.
type Collector struct {
	tracer  trace.Tracer
	tp      *sdktrace.TracerProvider
	verbose bool

	mu     sync.Mutex
	active map[uuid.UUID]rootTrace
}

type rootTrace struct {
	ctx  context.Context
	span trace.Span
}

// NewCollector wraps an already-configured tracer provider. Verbose controls
// whether full message/tool payloads are attached to spans, versus a short
// preview — verbose tracing is meant for local debugging, not production.
func NewCollector(tp *sdktrace.TracerProvider, verbose bool) *Collector {
	return &Collector{
		tracer:  tp.Tracer("lucyd/agent"),
		tp:      tp,
		verbose: verbose,
		active:  make(map[uuid.UUID]rootTrace),
	}
}

// NewGRPCCollector builds a Collector exporting spans over OTLP/gRPC.
func NewGRPCCollector(ctx context.Context, endpoint string, insecure bool, verbose bool) (*Collector, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: grpc exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	return NewCollector(tp, verbose), nil
}

// NewHTTPCollector builds a Collector exporting spans over OTLP/HTTP.
func NewHTTPCollector(ctx context.Context, endpoint string, insecure bool, verbose bool) (*Collector, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: http exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	return NewCollector(tp, verbose), nil
}

// Verbose reports whether full payloads should be attached to spans.
func (c *Collector) Verbose() bool { return c.verbose }

// Shutdown flushes pending spans and stops the exporter.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.tp == nil {
		return nil
	}
	return c.tp.Shutdown(ctx)
}

// CreateTrace opens the root span for a new agent run.
func (c *Collector) CreateTrace(ctx context.Context, t *store.TraceData) error {
	spanCtx, span := c.tracer.Start(ctx, t.Name,
		trace.WithTimestamp(t.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("lucyd.trace_id", t.ID.String()),
		attribute.String("lucyd.run_id", t.RunID),
		attribute.String("lucyd.session_key", t.SessionKey),
		attribute.String("lucyd.channel", t.Channel),
	)
	if t.UserID != "" {
		span.SetAttributes(attribute.String("lucyd.user_id", t.UserID))
	}
	if t.AgentID != nil {
		span.SetAttributes(attribute.String("lucyd.agent_id", t.AgentID.String()))
	}
	if t.InputPreview != "" {
		span.SetAttributes(attribute.String("lucyd.input_preview", t.InputPreview))
	}

	c.mu.Lock()
	c.active[t.ID] = rootTrace{ctx: spanCtx, span: span}
	c.mu.Unlock()
	return nil
}

// FinishTrace closes the root span opened by CreateTrace.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status, errMsg, outputPreview string) error {
	c.mu.Lock()
	rt, ok := c.active[traceID]
	delete(c.active, traceID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if outputPreview != "" {
		rt.span.SetAttributes(attribute.String("lucyd.output_preview", outputPreview))
	}
	if status == store.TraceStatusError || status == store.TraceStatusCancelled {
		rt.span.SetStatus(codes.Error, errMsg)
	} else {
		rt.span.SetStatus(codes.Ok, "")
	}
	rt.span.End(trace.WithTimestamp(time.Now().UTC()))
	return nil
}

// EmitSpan records a completed LLM call, tool call, or agent span as a
// standalone span with the timing it actually took — it is opened and
// closed immediately since the work it describes has already finished.
func (c *Collector) EmitSpan(span store.SpanData) {
	parent := context.Background()
	c.mu.Lock()
	if rt, ok := c.active[span.TraceID]; ok {
		parent = rt.ctx
	}
	c.mu.Unlock()

	_, otelSpan := c.tracer.Start(parent, span.Name, trace.WithTimestamp(span.StartTime))

	attrs := []attribute.KeyValue{
		attribute.String("lucyd.span_type", span.SpanType),
		attribute.String("lucyd.trace_id", span.TraceID.String()),
	}
	if span.Model != "" {
		attrs = append(attrs, attribute.String("lucyd.model", span.Model))
	}
	if span.Provider != "" {
		attrs = append(attrs, attribute.String("lucyd.provider", span.Provider))
	}
	if span.ToolName != "" {
		attrs = append(attrs, attribute.String("lucyd.tool_name", span.ToolName))
	}
	if span.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("lucyd.input_tokens", span.InputTokens))
	}
	if span.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("lucyd.output_tokens", span.OutputTokens))
	}
	if span.InputPreview != "" {
		attrs = append(attrs, attribute.String("lucyd.input_preview", span.InputPreview))
	}
	if span.OutputPreview != "" {
		attrs = append(attrs, attribute.String("lucyd.output_preview", span.OutputPreview))
	}
	otelSpan.SetAttributes(attrs...)

	if span.Status == store.SpanStatusError {
		otelSpan.SetStatus(codes.Error, span.Error)
	} else {
		otelSpan.SetStatus(codes.Ok, "")
	}

	end := time.Now().UTC()
	if span.EndTime != nil {
		end = *span.EndTime
	}
	otelSpan.End(trace.WithTimestamp(end))
}
