// Package observability provides OpenTelemetry metrics for the runwire
// engine and stream hub. Instruments are created against the global
// MeterProvider by default; without one configured, the OTel API returns
// noop instruments and recording becomes a pass-through.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for runwire metrics.
const meterName = "github.com/Boykai/runwire"

// Metrics holds the engine and hub instruments.
//
// Instruments:
//   - runwire.workflow.created (Int64Counter): workflows created
//   - runwire.transition.applied (Int64Counter): accepted transitions,
//     with attributes: kind ("step" or "workflow"), status (new status)
//   - runwire.transition.rejected (Int64Counter): rejected commands,
//     with attribute: reason ("conflict", "not_found", "store")
//   - runwire.transition.duration (Float64Histogram): time from command
//     to durable commit, in seconds
//   - runwire.stream.delivered (Int64Counter): events delivered to observers
//   - runwire.stream.dropped (Int64Counter): observers dropped on overflow
type Metrics struct {
	WorkflowCreated    metric.Int64Counter
	TransitionApplied  metric.Int64Counter
	TransitionRejected metric.Int64Counter
	TransitionDuration metric.Float64Histogram
	StreamDelivered    metric.Int64Counter
	StreamDropped      metric.Int64Counter
}

// NewMetrics creates metrics using the global OTel MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates metrics with the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	// On error the OTel API returns noop instruments, so the errors are
	// intentionally discarded and recording degrades gracefully.
	m.WorkflowCreated, _ = meter.Int64Counter(
		"runwire.workflow.created",
		metric.WithDescription("Total workflows created"),
		metric.WithUnit("{workflow}"),
	)
	m.TransitionApplied, _ = meter.Int64Counter(
		"runwire.transition.applied",
		metric.WithDescription("Total accepted state transitions"),
		metric.WithUnit("{transition}"),
	)
	m.TransitionRejected, _ = meter.Int64Counter(
		"runwire.transition.rejected",
		metric.WithDescription("Total rejected commands"),
		metric.WithUnit("{command}"),
	)
	m.TransitionDuration, _ = meter.Float64Histogram(
		"runwire.transition.duration",
		metric.WithDescription("Time from command to durable commit in seconds"),
		metric.WithUnit("s"),
	)
	m.StreamDelivered, _ = meter.Int64Counter(
		"runwire.stream.delivered",
		metric.WithDescription("Events delivered to stream observers"),
		metric.WithUnit("{event}"),
	)
	m.StreamDropped, _ = meter.Int64Counter(
		"runwire.stream.dropped",
		metric.WithDescription("Observers disconnected on buffer overflow"),
		metric.WithUnit("{observer}"),
	)

	return m
}

// RecordCreated records a workflow creation.
func (m *Metrics) RecordCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.WorkflowCreated.Add(ctx, 1)
}

// RecordApplied records accepted transitions and the commit latency of
// the command that produced them.
func (m *Metrics) RecordApplied(ctx context.Context, kind, status string, n int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.TransitionApplied.Add(ctx, int64(n), attrs)
	m.TransitionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRejected records a rejected command.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TransitionRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDelivered records events delivered to a stream observer.
func (m *Metrics) RecordDelivered(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.StreamDelivered.Add(ctx, n)
}

// RecordDropped records an observer disconnected on overflow.
func (m *Metrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamDropped.Add(ctx, 1)
}
