package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default "agrivoice".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Registerer receives the Prometheus collector behind /metrics.
	// Default [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter, if set, receives finished spans in batches. Without it
	// spans still carry trace IDs for logs and X-Correlation-ID but are not
	// exported.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio samples that fraction of new traces; incoming
	// sampled traces are always kept. Values outside (0, 1) sample
	// everything.
	TraceSampleRatio float64
}

// InitProvider installs global meter and tracer providers and returns a
// function that flushes and stops both.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agrivoice"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
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
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)

	tp := sdktrace.NewTracerProvider(traceOptions(cfg, res)...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		// Spans first so their batch flush can still record metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func traceOptions(cfg ProviderConfig, res *resource.Resource) []sdktrace.TracerProviderOption {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))))
	}
	return opts
}
