// Package observe provides application-wide observability primitives for
// shapetutor: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all shapetutor metrics.
const meterName = "github.com/shapetutor/shapetutor"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ClassifierDuration tracks a single classifier call. Use with attribute:
	//   attribute.String("classifier", "object"|"touch")
	ClassifierDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// SessionDuration tracks wall time from session creation to its terminal
	// decision. Use with attribute: attribute.String("outcome", ...)
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesObserved counts frames applied to rotation sessions. Use with
	// attribute: attribute.String("result", "detected"|"absent")
	FramesObserved metric.Int64Counter

	// Decisions counts terminal session decisions. Use with attribute:
	//   attribute.String("outcome", "confirmed"|"inconclusive"|"no_subject")
	Decisions metric.Int64Counter

	// FeatureDetections counts feature-touch requests. Use with attribute:
	//   attribute.String("result", "detected"|"none"|"suppressed")
	FeatureDetections metric.Int64Counter

	// GateTransitions counts announcement gate changes. Use with attribute:
	//   attribute.String("state", "suppressed"|"open")
	GateTransitions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live rotation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// inference and synthesis calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers a rotation session lasting from a few frames to a
// couple of minutes.
var sessionBuckets = []float64{
	1, 2.5, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ClassifierDuration, err = m.Float64Histogram("shapetutor.classifier.duration",
		metric.WithDescription("Latency of a single classifier inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("shapetutor.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("shapetutor.session.duration",
		metric.WithDescription("Wall time from rotation session creation to its decision."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesObserved, err = m.Int64Counter("shapetutor.frames.observed",
		metric.WithDescription("Total frames applied to rotation sessions by result."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("shapetutor.decisions",
		metric.WithDescription("Total rotation session decisions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FeatureDetections, err = m.Int64Counter("shapetutor.feature.detections",
		metric.WithDescription("Total feature-touch requests by result."),
	); err != nil {
		return nil, err
	}
	if met.GateTransitions, err = m.Int64Counter("shapetutor.gate.transitions",
		metric.WithDescription("Total announcement gate transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("shapetutor.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("shapetutor.tool.calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("shapetutor.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("shapetutor.active_sessions",
		metric.WithDescription("Number of live rotation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("shapetutor.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one frame applied to a rotation session.
func (m *Metrics) RecordFrame(ctx context.Context, detected bool) {
	result := "absent"
	if detected {
		result = "detected"
	}
	m.FramesObserved.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDecision records a terminal session decision and how long the session
// lived.
func (m *Metrics) RecordDecision(ctx context.Context, outcome string, lifetimeSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Decisions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, lifetimeSeconds, attrs)
}

// RecordFeatureDetection records the result of one feature-touch request.
func (m *Metrics) RecordFeatureDetection(ctx context.Context, result string) {
	m.FeatureDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordGateTransition records an announcement gate change.
func (m *Metrics) RecordGateTransition(ctx context.Context, suppressed bool) {
	state := "open"
	if suppressed {
		state = "suppressed"
	}
	m.GateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records an MCP tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
