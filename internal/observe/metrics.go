// Package observe provides the OpenTelemetry metric instruments for the call
// analysis pipeline and the Prometheus bridge that exposes them on /metrics.
//
// Tests should build their own [Metrics] with [NewMetrics] over a
// ManualReader-backed provider; components accept a nil *Metrics and skip
// recording.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "salescall-platform"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// Callbacks counts inbound callbacks by outcome
	// (applied, already_finalized, unknown_call, missing_result, not_dispatched, error).
	Callbacks metric.Int64Counter

	// Dispatches counts outbound submissions by outcome
	// (submitted, artifact_not_found, transport_error, rejected, error).
	Dispatches metric.Int64Counter

	// DispatchDuration tracks wall time of one dispatch including retries.
	DispatchDuration metric.Float64Histogram

	// InFlightDispatches tracks submissions currently running.
	InFlightDispatches metric.Int64UpDownCounter

	// Reaped counts calls expired by the reaper, by reason.
	Reaped metric.Int64Counter

	// HTTPRequestDuration tracks request latency by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Callbacks, err = m.Int64Counter("salescall.callbacks",
		metric.WithDescription("Inbound analysis callbacks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Dispatches, err = m.Int64Counter("salescall.dispatches",
		metric.WithDescription("Outbound workflow submissions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("salescall.dispatch.duration",
		metric.WithDescription("Latency of a workflow submission including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InFlightDispatches, err = m.Int64UpDownCounter("salescall.dispatch.in_flight",
		metric.WithDescription("Workflow submissions currently running."),
	); err != nil {
		return nil, err
	}
	if met.Reaped, err = m.Int64Counter("salescall.reaped",
		metric.WithDescription("Calls expired by the reaper by reason."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("salescall.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordCallback is nil-safe.
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDispatch is nil-safe.
func (m *Metrics) RecordDispatch(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Dispatches.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, seconds, attrs)
}

// DispatchStarted increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) DispatchStarted(ctx context.Context) (done func()) {
	if m == nil {
		return func() {}
	}
	m.InFlightDispatches.Add(ctx, 1)
	return func() { m.InFlightDispatches.Add(ctx, -1) }
}

// RecordReaped is nil-safe.
func (m *Metrics) RecordReaped(ctx context.Context, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Reaped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
