package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the shapetutor tracer.
const tracerName = "github.com/shapetutor/shapetutor"

// SessionAttr is the span and log attribute carrying a rotation session key.
const SessionAttr = "session_id"

type sessionKey struct{}

// WithSession tags ctx with a rotation session key. Spans started and
// loggers obtained from the returned context carry it as session_id.
func WithSession(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, key)
}

// SessionFrom returns the session key set by [WithSession], or "".
func SessionFrom(ctx context.Context) string {
	key, _ := ctx.Value(sessionKey{}).(string)
	return key
}

// Tracer returns the shapetutor tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. A session key on ctx is added as an
// attribute. The caller ends the span, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if key := SessionFrom(ctx); key != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(SessionAttr, key)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the trace, span and session
// identifiers found on ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if key := SessionFrom(ctx); key != "" {
		attrs = append(attrs, slog.String(SessionAttr, key))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
