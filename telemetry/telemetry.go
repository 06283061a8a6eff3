// Package telemetry integrates the SDK with OpenTelemetry. Instruments
// record against the global meter and tracer providers; exporter setup
// belongs to the host application. All methods are safe to call on a nil
// *Instruments, which is how the SDK behaves when telemetry is disabled.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/stkai/stkai-go"

// Instruments holds the SDK's metric instruments and tracer
type Instruments struct {
	tracer trace.Tracer

	retries   metric.Int64Counter
	outcomes  metric.Int64Counter
	throttles metric.Int64Counter
	duration  metric.Float64Histogram
	rate      metric.Float64Gauge
}

// New creates the SDK instruments against the global otel providers
func New() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	i := &Instruments{tracer: otel.Tracer(scopeName)}

	var err error
	if i.retries, err = meter.Int64Counter("stkai.retry.attempts",
		metric.WithDescription("Attempts consumed per retried phase")); err != nil {
		return nil, err
	}
	if i.outcomes, err = meter.Int64Counter("stkai.call.outcomes",
		metric.WithDescription("Terminal envelope statuses")); err != nil {
		return nil, err
	}
	if i.throttles, err = meter.Int64Counter("stkai.ratelimit.throttled",
		metric.WithDescription("Server throttle signals observed")); err != nil {
		return nil, err
	}
	if i.duration, err = meter.Float64Histogram("stkai.execution.duration",
		metric.WithDescription("Wall time per call"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if i.rate, err = meter.Float64Gauge("stkai.ratelimit.effective_rate",
		metric.WithDescription("Adaptive limiter effective rate in requests per window")); err != nil {
		return nil, err
	}
	return i, nil
}

// Span starts a span; the returned func ends it, recording a non-empty
// error message as the span status
func (i *Instruments) Span(ctx context.Context, name string) (context.Context, func(errMsg string)) {
	if i == nil {
		return ctx, func(string) {}
	}
	ctx, span := i.tracer.Start(ctx, name)
	return ctx, func(errMsg string) {
		if errMsg != "" {
			span.SetAttributes(attribute.String("stkai.error", errMsg))
		}
		span.End()
	}
}

// RecordRetries records the attempts a phase consumed
func (i *Instruments) RecordRetries(ctx context.Context, phase string, attempts int) {
	if i == nil {
		return
	}
	i.retries.Add(ctx, int64(attempts), metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordOutcome counts a terminal envelope status
func (i *Instruments) RecordOutcome(ctx context.Context, protocol, status string) {
	if i == nil {
		return
	}
	i.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("status", status),
	))
}

// RecordThrottle counts a server throttle signal
func (i *Instruments) RecordThrottle(ctx context.Context) {
	if i == nil {
		return
	}
	i.throttles.Add(ctx, 1)
}

// RecordDuration records one call's wall time
func (i *Instruments) RecordDuration(ctx context.Context, protocol string, seconds float64) {
	if i == nil {
		return
	}
	i.duration.Record(ctx, seconds, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// RecordRate records the adaptive limiter's effective rate
func (i *Instruments) RecordRate(rate float64) {
	if i == nil {
		return
	}
	i.rate.Record(context.Background(), rate)
}
