// Package observability provides logging, metrics, and tracing utilities.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans. Cache code depends on this interface rather than on
// the otel API so tests and disabled deployments can use NewNoopTracer.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
}

// Span is a unit of traced work
type Span interface {
	End()
	SetAttributes(attrs ...attribute.KeyValue)
	AddEvent(name string, attrs ...attribute.KeyValue)

	// NoticeError records err and marks the span failed. A nil err is ignored.
	NoticeError(err error)

	TraceID() string
}

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by the global otel tracer provider
func NewTracer(name string) Tracer {
	return &otelTracer{tracer: otel.Tracer(name)}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal)}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}

	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

func (s *otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s *otelSpan) NoticeError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) TraceID() string {
	return s.span.SpanContext().TraceID().String()
}

type noopTracer struct{}

// NewNoopTracer returns a tracer that records nothing
func NewNoopTracer() Tracer {
	return noopTracer{}
}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                   {}
func (noopSpan) SetAttributes(...attribute.KeyValue)    {}
func (noopSpan) AddEvent(string, ...attribute.KeyValue) {}
func (noopSpan) NoticeError(error)                      {}
func (noopSpan) TraceID() string                        { return "" }
