package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "craftplan"

// StartRunSpan starts a span covering a full agent run.
func StartRunSpan(ctx context.Context, runID, userID, planVersion string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("user.id", userID),
			attribute.String("plan.version", planVersion),
		),
	)
}

// StartPhaseSpan starts a span for one phase within a run.
func StartPhaseSpan(ctx context.Context, runID, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("phase.name", phase),
		),
	)
}
