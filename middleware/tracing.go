package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the scope name for pipeline tracing and metrics.
const instrumentationName = "github.com/songzhibin97/perf-pipeline"

// Tracing returns middleware that wraps each stage in an OpenTelemetry span
// using the global TracerProvider. Without a configured provider the noop
// tracer makes this a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, s Stage, next Handler) error {
		ctx, span := tracer.Start(ctx, "perfpipe.stage.execute",
			trace.WithAttributes(
				attribute.String("perfpipe.workflow.id", s.WorkflowID),
				attribute.Int("perfpipe.stage.index", s.Index),
				attribute.String("perfpipe.stage.name", s.Name),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
