// Package observe provides application-wide observability primitives for
// VoiceShield: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry served by [Telemetry.Handler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoiceShield metrics.
const meterName = "github.com/MrWong99/voiceshield"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// AnalyzeDuration tracks text analysis latency. Use with attribute:
	//   attribute.String("source", "remote"|"local")
	AnalyzeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsIngested counts turns appended to a transcript. Use with attribute:
	//   attribute.String("speaker", ...)
	TurnsIngested metric.Int64Counter

	// RiskUpdates counts applied risk updates. Use with attributes:
	//   attribute.String("source", "remote"|"local"), attribute.String("label", ...)
	RiskUpdates metric.Int64Counter

	// ReconnectAttempts counts channel reconnection attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ReconnectAttempts metric.Int64Counter

	// MalformedMessages counts inbound channel messages that were dropped.
	MalformedMessages metric.Int64Counter

	// MissedHeartbeats counts heartbeat ticks without a live link.
	MissedHeartbeats metric.Int64Counter

	// IngestRestarts counts turn source restarts after a failure.
	IngestRestarts metric.Int64Counter

	// SessionsPersisted counts history writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	SessionsPersisted metric.Int64Counter

	// Alerts counts sessions entering the alerted state. Use with attribute:
	//   attribute.String("label", ...)
	Alerts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions between start and end.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open analysis websocket connections on the
	// server.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// interactive request latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalyzeDuration, err = m.Float64Histogram("voiceshield.analyze.duration",
		metric.WithDescription("Latency of text risk analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceshield.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsIngested, err = m.Int64Counter("voiceshield.turns.ingested",
		metric.WithDescription("Total transcript turns appended by speaker."),
	); err != nil {
		return nil, err
	}
	if met.RiskUpdates, err = m.Int64Counter("voiceshield.risk.updates",
		metric.WithDescription("Total risk updates applied by source and label."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voiceshield.channel.reconnects",
		metric.WithDescription("Total channel reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.MalformedMessages, err = m.Int64Counter("voiceshield.channel.malformed_messages",
		metric.WithDescription("Total inbound channel messages dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.MissedHeartbeats, err = m.Int64Counter("voiceshield.channel.missed_heartbeats",
		metric.WithDescription("Total heartbeat ticks without a live channel."),
	); err != nil {
		return nil, err
	}
	if met.IngestRestarts, err = m.Int64Counter("voiceshield.ingest.restarts",
		metric.WithDescription("Total turn source restarts after a failure."),
	); err != nil {
		return nil, err
	}
	if met.SessionsPersisted, err = m.Int64Counter("voiceshield.sessions.persisted",
		metric.WithDescription("Total session history writes by status."),
	); err != nil {
		return nil, err
	}
	if met.Alerts, err = m.Int64Counter("voiceshield.alerts",
		metric.WithDescription("Total sessions that raised an alert by label."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceshield.active_sessions",
		metric.WithDescription("Number of monitoring sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voiceshield.active_connections",
		metric.WithDescription("Number of open analysis channel connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordRiskUpdate records an applied risk update.
func (m *Metrics) RecordRiskUpdate(ctx context.Context, source, label string) {
	m.RiskUpdates.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("label", label),
		),
	)
}

// RecordAnalyze records the latency of one text analysis served by source.
func (m *Metrics) RecordAnalyze(ctx context.Context, source string, d time.Duration) {
	m.AnalyzeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// RecordReconnect records one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, err error) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
}

// RecordPersist records one history write.
func (m *Metrics) RecordPersist(ctx context.Context, err error) {
	m.SessionsPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
