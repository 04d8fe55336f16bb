package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics returns middleware that records per-stage metrics using the global
// MeterProvider.
//
// Instruments:
//   - perfpipe.stage.duration (Float64Histogram): seconds, by stage and status
//   - perfpipe.stage.executions (Int64Counter): by stage and status
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"perfpipe.stage.duration",
		metric.WithDescription("Duration of pipeline stage execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"perfpipe.stage.executions",
		metric.WithDescription("Total number of pipeline stage executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, s Stage, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("stage", s.Name),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
