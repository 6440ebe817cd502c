// Package observe provides application-wide observability primitives for
// parlance: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all parlance metrics.
const meterName = "github.com/MrWong99/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TurnDuration tracks the time between turn start (first content chunk)
	// and turn completion.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// Turns counts turn boundaries. Use with attribute:
	//   attribute.String("outcome", "complete"|"interrupted")
	Turns metric.Int64Counter

	// FramesCaptured counts encoded microphone frames produced by the capture
	// pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts audio frames transmitted to the remote service.
	FramesSent metric.Int64Counter

	// AudioScheduled accumulates seconds of inbound audio scheduled for
	// playback.
	AudioScheduled metric.Float64Counter

	// PlaybackUnderruns counts scheduling underruns (cursor found behind the
	// device clock).
	PlaybackUnderruns metric.Int64Counter

	// Reconnects counts connections successfully re-established after an
	// abnormal close. Failed retry attempts are not counted.
	Reconnects metric.Int64Counter

	// EnvelopeErrors counts inbound frames that failed to parse.
	EnvelopeErrors metric.Int64Counter

	// ConnectionsOpen tracks the number of currently open connections
	// (0 or 1 per session).
	ConnectionsOpen metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("parlance.turn.duration",
		metric.WithDescription("Time from first content chunk to turn completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parlance.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parlance.turns",
		metric.WithDescription("Turn boundaries by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesCaptured, err = m.Int64Counter("parlance.capture.frames",
		metric.WithDescription("Encoded microphone frames produced by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("parlance.transport.frames_sent",
		metric.WithDescription("Audio frames transmitted to the remote service."),
	); err != nil {
		return nil, err
	}
	if met.AudioScheduled, err = m.Float64Counter("parlance.playback.scheduled",
		metric.WithDescription("Seconds of inbound audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("parlance.playback.underruns",
		metric.WithDescription("Playback scheduling underruns."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("parlance.transport.reconnects",
		metric.WithDescription("Connections successfully re-established after an abnormal close."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopeErrors, err = m.Int64Counter("parlance.transport.envelope_errors",
		metric.WithDescription("Inbound frames that failed to parse."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionsOpen, err = m.Int64UpDownCounter("parlance.transport.connections_open",
		metric.WithDescription("Currently open connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance built from the
// global OTel meter provider. The first call initialises it; instrument
// creation failures fall back to no-op instruments via the global provider, so
// the return value is always usable.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// A no-op provider never fails instrument creation.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
