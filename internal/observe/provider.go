package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Trace exporter names accepted by [ProviderConfig.TraceExporter].
const (
	TraceExporterNone     = ""
	TraceExporterStdout   = "stdout"
	TraceExporterOTLP     = "otlp"
	TraceExporterOTLPHTTP = "otlphttp"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "shapetutor".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter selects where spans go: "" records spans without
	// exporting them, "stdout" pretty-prints them, "otlp" ships them over
	// gRPC to OTLPEndpoint and "otlphttp" posts them to the OTLPEndpoint URL.
	TraceExporter string

	// OTLPEndpoint is the collector address ("host:port" for otlp, a full URL
	// for otlphttp).
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool
}

// Telemetry is returned by [InitProvider].
type Telemetry struct {
	// MetricsHandler serves the Prometheus scrape endpoint.
	MetricsHandler http.Handler

	// Shutdown flushes and closes exporters.
	Shutdown func(context.Context) error
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] with a Prometheus exporter, scraped through
//     [Telemetry.MetricsHandler].
//   - A [sdktrace.TracerProvider] with the configured span exporter.
//
// Both providers are registered as the global OTel providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shapetutor"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error

	// --- Metrics: Prometheus exporter bridge ---
	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	// --- Traces ---
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	slog.Info("telemetry initialised",
		"service", cfg.ServiceName,
		"trace_exporter", exporterLabel(cfg.TraceExporter),
	)

	return &Telemetry{
		MetricsHandler: promhttp.Handler(),
		Shutdown: func(ctx context.Context) error {
			var errs []error
			for _, fn := range shutdownFuncs {
				if e := fn(ctx); e != nil {
					errs = append(errs, e)
				}
			}
			return errors.Join(errs...)
		},
	}, nil
}

// newSpanExporter builds the exporter named by cfg.TraceExporter. A nil
// exporter with a nil error means spans are recorded but not exported.
func newSpanExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.TraceExporter)) {
	case TraceExporterNone:
		return nil, nil
	case TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("observe: stdout trace exporter: %w", err)
		}
		return exp, nil
	case TraceExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("observe: otlp trace exporter requires an endpoint")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp trace exporter: %w", err)
		}
		return exp, nil
	case TraceExporterOTLPHTTP:
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("observe: otlphttp trace exporter requires an endpoint")
		}
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("observe: otlphttp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("observe: unknown trace exporter %q", cfg.TraceExporter)
	}
}

func exporterLabel(name string) string {
	if name == "" {
		return "none"
	}
	return name
}
