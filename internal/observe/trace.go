package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every agrivoice span.
const tracerName = "github.com/MrWong99/agrivoice"

// Tracer returns the agrivoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named after the operation ("voice.listen",
// "offline.drain"). End it with [EndSpan] or span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan ends span with the outcome of the operation. A nil err leaves the
// status unset. An err matching one of expected (a cancelled capture, an
// empty transcript) is recorded as the "outcome" attribute only; anything
// else marks the span as failed.
func EndSpan(span trace.Span, err error, expected ...error) {
	defer span.End()
	if err == nil {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			span.SetAttributes(attribute.String("outcome", e.Error()))
			return
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID in ctx, or "" without a valid span.
// The HTTP middleware echoes it as X-Correlation-ID so UI bug reports can be
// matched to server logs.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
