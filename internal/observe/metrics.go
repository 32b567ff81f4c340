// Package observe provides application-wide observability primitives for
// meetscribe: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all meetscribe metrics.
const meterName = "github.com/professor2004h/meetscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks recording session length (paused time excluded).
	// Use with attribute: attribute.String("mode", ...).
	SessionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// StatusUpdates counts applied bot status updates. Use with attributes:
	//   attribute.String("path", "channel"|"watchdog"), attribute.String("state", ...)
	StatusUpdates metric.Int64Counter

	// Dispatches counts bot dispatch attempts. Use with attribute:
	//   attribute.String("result", "started"|"adopted"|"resumed"|"failed")
	Dispatches metric.Int64Counter

	// Fragments counts folded transcript fragments. Use with attribute:
	//   attribute.String("source", ...)
	Fragments metric.Int64Counter

	// PushFallbacks counts sessions whose push path was abandoned in favour
	// of polling alone.
	PushFallbacks metric.Int64Counter

	// WatchdogTimeouts counts sessions force-completed by the staleness
	// watchdog.
	WatchdogTimeouts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveBots tracks the number of bots currently being monitored.
	ActiveBots metric.Int64UpDownCounter
}

// httpBuckets defines histogram bucket boundaries (in seconds) for request
// latencies.
var httpBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// recording session lengths, from a quick sync up to a multi-hour meeting.
var sessionBuckets = []float64{
	60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("meetscribe.session.duration",
		metric.WithDescription("Length of completed recording sessions, paused time excluded."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StatusUpdates, err = m.Int64Counter("meetscribe.status.updates",
		metric.WithDescription("Applied bot status updates by delivery path and state."),
	); err != nil {
		return nil, err
	}
	if met.Dispatches, err = m.Int64Counter("meetscribe.bot.dispatches",
		metric.WithDescription("Bot dispatch attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.Fragments, err = m.Int64Counter("meetscribe.transcript.fragments",
		metric.WithDescription("Folded transcript fragments by source."),
	); err != nil {
		return nil, err
	}
	if met.PushFallbacks, err = m.Int64Counter("meetscribe.status.push_fallbacks",
		metric.WithDescription("Sessions whose push path was abandoned for polling."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogTimeouts, err = m.Int64Counter("meetscribe.status.watchdog_timeouts",
		metric.WithDescription("Sessions force-completed by the staleness watchdog."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("meetscribe.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBots, err = m.Int64UpDownCounter("meetscribe.active_bots",
		metric.WithDescription("Number of bots currently being monitored."),
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

// RecordStatusUpdate records one applied status update with the standard
// attribute set.
func (m *Metrics) RecordStatusUpdate(ctx context.Context, path, state string) {
	m.StatusUpdates.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("path", path),
			attribute.String("state", state),
		),
	)
}

// RecordDispatch records one bot dispatch attempt.
func (m *Metrics) RecordDispatch(ctx context.Context, result string) {
	m.Dispatches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordFragment records one folded transcript fragment.
func (m *Metrics) RecordFragment(ctx context.Context, source string) {
	m.Fragments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
