// Package metrics provides the application's OpenTelemetry metric
// instruments and a Prometheus exporter bridge covering the voice-bridge
// call lifecycle: calls started/ended, audio bytes and chunks moved in
// each direction, response latency, barge-ins, and active-session
// count. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
)

const meterName = "github.com/tenvoicebridge/realtime-bridge"

// background is used for every Record/Add call: the OTel metric API takes
// a context for baggage/exemplar propagation, which this bridge's
// lifecycle counters have no use for.
var background = context.Background()

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// provider response-latency histogram.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds all OpenTelemetry instruments recording call-lifecycle
// activity. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	callsStarted metric.Int64Counter
	callsEnded   metric.Int64Counter

	audioBytesIn   metric.Int64Counter
	audioBytesOut  metric.Int64Counter
	audioChunksIn  metric.Int64Counter
	audioChunksOut metric.Int64Counter

	responseLatency metric.Float64Histogram
	bargeIns        metric.Int64Counter

	activeSessions metric.Int64Gauge

	httpRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.callsStarted, err = meter.Int64Counter("bridge.calls.started",
		metric.WithDescription("Total calls that entered the Active state, by tenant."),
	); err != nil {
		return nil, err
	}
	if m.callsEnded, err = meter.Int64Counter("bridge.calls.ended",
		metric.WithDescription("Total calls that reached Ended, by tenant and stop reason."),
	); err != nil {
		return nil, err
	}
	if m.audioBytesIn, err = meter.Int64Counter("bridge.audio.bytes.in",
		metric.WithDescription("Raw PCM bytes received from the telephony leg."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.audioBytesOut, err = meter.Int64Counter("bridge.audio.bytes.out",
		metric.WithDescription("Raw PCM bytes sent to the telephony leg."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.audioChunksIn, err = meter.Int64Counter("bridge.audio.chunks.in",
		metric.WithDescription("Inbound audio frames processed."),
	); err != nil {
		return nil, err
	}
	if m.audioChunksOut, err = meter.Int64Counter("bridge.audio.chunks.out",
		metric.WithDescription("Outbound audio frames emitted."),
	); err != nil {
		return nil, err
	}
	if m.responseLatency, err = meter.Float64Histogram("bridge.response.latency",
		metric.WithDescription("Time from a committed user transcript to the first assistant audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.bargeIns, err = meter.Int64Counter("bridge.barge_ins",
		metric.WithDescription("Times the caller spoke while the assistant was still speaking."),
	); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64Gauge("bridge.active_sessions",
		metric.WithDescription("Number of live call sessions, sampled on every Create/Stop."),
	); err != nil {
		return nil, err
	}
	if m.httpRequestDuration, err = meter.Float64Histogram("bridge.http.request.duration",
		metric.WithDescription("Admin HTTP endpoint latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument
// creation fails (should not happen against the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// callsession.Metrics is the narrow interface internal/callsession depends
// on; Metrics implements it structurally so the session manager never
// imports this package's concrete type.
var _ callsession.Metrics = (*Metrics)(nil)

func (m *Metrics) CallStarted(tenantID string) {
	m.callsStarted.Add(background, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
}

func (m *Metrics) CallEnded(tenantID, reason string) {
	m.callsEnded.Add(background, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) AudioBytes(tenantID string, in, out int) {
	attrs := metric.WithAttributes(attribute.String("tenant", tenantID))
	if in > 0 {
		m.audioBytesIn.Add(background, int64(in), attrs)
	}
	if out > 0 {
		m.audioBytesOut.Add(background, int64(out), attrs)
	}
}

func (m *Metrics) AudioChunks(tenantID string, in, out int) {
	attrs := metric.WithAttributes(attribute.String("tenant", tenantID))
	if in > 0 {
		m.audioChunksIn.Add(background, int64(in), attrs)
	}
	if out > 0 {
		m.audioChunksOut.Add(background, int64(out), attrs)
	}
}

func (m *Metrics) ResponseLatency(tenantID string, d time.Duration) {
	m.responseLatency.Record(background, d.Seconds(), metric.WithAttributes(attribute.String("tenant", tenantID)))
}

func (m *Metrics) BargeIn(tenantID string) {
	m.bargeIns.Add(background, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
}

// ActiveSessions records the current live-session count, called by
// callsession.Manager with its own total after every Create/Stop.
func (m *Metrics) ActiveSessions(n int) {
	m.activeSessions.Record(background, int64(n))
}
