// Package observe provides application-wide observability primitives for
// echotap: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echotap metrics.
const meterName = "github.com/audiograph/echotap"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SessionOpenDuration tracks device-session establishment latency,
	// covering endpoint resolution through stream start.
	SessionOpenDuration metric.Float64Histogram

	// FramesEmitted counts output frames handed to the sink. Use with
	// attribute:
	//   attribute.String("path", "cancelled"|"bypass"|"raw")
	FramesEmitted metric.Int64Counter

	// BytesCaptured counts PCM bytes of the frames handed to the sink.
	BytesCaptured metric.Int64Counter

	// ReconnectAttempts counts session reopen attempts by the supervisor.
	// Use with attribute:
	//   attribute.String("status", "ok"|"failed")
	ReconnectAttempts metric.Int64Counter

	// NegotiationFallbacks counts format negotiations that settled below
	// the device-native rung. Use with attribute:
	//   attribute.String("rung", ...)
	NegotiationFallbacks metric.Int64Counter

	// CancellerBypasses counts pipeline iterations that emitted the raw
	// near end because no reference was available or the canceller failed.
	CancellerBypasses metric.Int64Counter

	// ActiveSessions tracks the number of live device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// openBuckets defines histogram bucket boundaries (in seconds) sized for
// device-session open latencies.
var openBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionOpenDuration, err = m.Float64Histogram("echotap.session.open.duration",
		metric.WithDescription("Latency of device-session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(openBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesEmitted, err = m.Int64Counter("echotap.frames.emitted",
		metric.WithDescription("Total output frames emitted by path (cancelled, bypass, raw)."),
	); err != nil {
		return nil, err
	}
	if met.BytesCaptured, err = m.Int64Counter("echotap.bytes.captured",
		metric.WithDescription("Total PCM bytes of emitted frames."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("echotap.reconnect.attempts",
		metric.WithDescription("Total session reopen attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.NegotiationFallbacks, err = m.Int64Counter("echotap.negotiate.fallbacks",
		metric.WithDescription("Total format negotiations settled below the native rung."),
	); err != nil {
		return nil, err
	}
	if met.CancellerBypasses, err = m.Int64Counter("echotap.canceller.bypasses",
		metric.WithDescription("Total pipeline iterations that bypassed echo cancellation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echotap.active_sessions",
		metric.WithDescription("Number of live device sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echotap.http.request.duration",
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

// RecordFrame records one emitted output frame with its emission path and
// its PCM size in bytes.
func (m *Metrics) RecordFrame(ctx context.Context, path string, bytes int) {
	m.FramesEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("path", path)),
	)
	m.BytesCaptured.Add(ctx, int64(bytes))
}

// RecordReconnectAttempt records one session reopen attempt.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordNegotiationFallback records a negotiation that settled on rung.
func (m *Metrics) RecordNegotiationFallback(ctx context.Context, rung string) {
	m.NegotiationFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rung", rung)),
	)
}

// RecordCancellerBypass records one bypassed pipeline iteration.
func (m *Metrics) RecordCancellerBypass(ctx context.Context) {
	m.CancellerBypasses.Add(ctx, 1)
}
