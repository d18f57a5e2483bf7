// Package observe provides application-wide observability primitives for
// agrivoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agrivoice metrics.
const meterName = "github.com/MrWong99/agrivoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CaptureDuration tracks how long a listen call ran, by outcome.
	CaptureDuration metric.Float64Histogram

	// SpeakDuration tracks how long a speak call ran, by outcome.
	SpeakDuration metric.Float64Histogram

	// DrainDuration tracks offline queue drain passes.
	DrainDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureOutcomes counts finished capture sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	CaptureOutcomes metric.Int64Counter

	// UtteranceOutcomes counts finished utterances. Use with attribute:
	//   attribute.String("outcome", ...)
	UtteranceOutcomes metric.Int64Counter

	// StorageFallbacks counts operations served by the fallback tier. Use
	// with attribute:
	//   attribute.String("op", ...)
	StorageFallbacks metric.Int64Counter

	// StorageBreakerTransitions counts circuit breaker state changes of the
	// storage tiers. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("state", ...)
	StorageBreakerTransitions metric.Int64Counter

	// QueueEnqueued counts actions appended to the offline queue.
	QueueEnqueued metric.Int64Counter

	// QueueProcessed counts drained entries. Use with attribute:
	//   attribute.String("status", ...)
	QueueProcessed metric.Int64Counter

	// --- Gauges ---

	// QueueDepth is the number of actions waiting in the offline queue.
	QueueDepth metric.Int64Gauge

	// Online is 1 while the farm API is reachable, 0 otherwise.
	Online metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// interactive voice operations, which run from milliseconds to tens of
// seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("agrivoice.capture.duration",
		metric.WithDescription("Duration of speech capture sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeakDuration, err = m.Float64Histogram("agrivoice.speak.duration",
		metric.WithDescription("Duration of spoken utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DrainDuration, err = m.Float64Histogram("agrivoice.queue.drain.duration",
		metric.WithDescription("Duration of offline queue drain passes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureOutcomes, err = m.Int64Counter("agrivoice.capture.outcomes",
		metric.WithDescription("Finished capture sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceOutcomes, err = m.Int64Counter("agrivoice.utterance.outcomes",
		metric.WithDescription("Finished utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StorageFallbacks, err = m.Int64Counter("agrivoice.storage.fallbacks",
		metric.WithDescription("Storage operations served by the fallback tier."),
	); err != nil {
		return nil, err
	}
	if met.StorageBreakerTransitions, err = m.Int64Counter("agrivoice.storage.breaker.transitions",
		metric.WithDescription("Storage tier circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.QueueEnqueued, err = m.Int64Counter("agrivoice.queue.enqueued",
		metric.WithDescription("Actions appended to the offline queue."),
	); err != nil {
		return nil, err
	}
	if met.QueueProcessed, err = m.Int64Counter("agrivoice.queue.processed",
		metric.WithDescription("Offline queue entries processed during drains by status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64Gauge("agrivoice.queue.depth",
		metric.WithDescription("Actions waiting in the offline queue."),
	); err != nil {
		return nil, err
	}
	if met.Online, err = m.Int64Gauge("agrivoice.connectivity.online",
		metric.WithDescription("1 while the farm API is reachable."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agrivoice.http.request.duration",
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

// RecordCapture records a finished capture session.
func (m *Metrics) RecordCapture(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.CaptureDuration.Record(ctx, d.Seconds(), attrs)
	m.CaptureOutcomes.Add(ctx, 1, attrs)
}

// RecordUtterance records a finished utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SpeakDuration.Record(ctx, d.Seconds(), attrs)
	m.UtteranceOutcomes.Add(ctx, 1, attrs)
}

// RecordStorageFallback records one operation served by the fallback tier.
func (m *Metrics) RecordStorageFallback(ctx context.Context, op string) {
	m.StorageFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordBreakerTransition records a storage tier breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, tier, state string) {
	m.StorageBreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("tier", tier), Attr("state", state)))
}

// RecordEnqueue records one enqueued action and the resulting queue depth.
func (m *Metrics) RecordEnqueue(ctx context.Context, depth int) {
	m.QueueEnqueued.Add(ctx, 1)
	m.QueueDepth.Record(ctx, int64(depth))
}

// RecordDrain records a finished drain pass. depth is the queue length left
// behind.
func (m *Metrics) RecordDrain(ctx context.Context, processed, failed, depth int, d time.Duration) {
	m.DrainDuration.Record(ctx, d.Seconds())
	if processed > 0 {
		m.QueueProcessed.Add(ctx, int64(processed), metric.WithAttributes(attribute.String("status", "ok")))
	}
	if failed > 0 {
		m.QueueProcessed.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("status", "failed")))
	}
	m.QueueDepth.Record(ctx, int64(depth))
}

// SetOnline records the current reachability state.
func (m *Metrics) SetOnline(ctx context.Context, online bool) {
	var v int64
	if online {
		v = 1
	}
	m.Online.Record(ctx, v)
}
