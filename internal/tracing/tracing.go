// Package tracing wraps the OpenTelemetry tracer used by the controllers.
// Spans are no-ops until a TracerProvider is registered.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "compositor"

var Tracer = otel.Tracer(tracerName)

// StartReconcileSpan starts the root span of one reconcile pass for a claim.
func StartReconcileSpan(ctx context.Context, kind, namespace, name string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.String("claim.kind", kind),
			attribute.String("claim.namespace", namespace),
			attribute.String("claim.name", name),
		),
	)
}

// StartPhaseSpan starts a child span for one phase of a reconcile pass.
func StartPhaseSpan(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, phase, trace.WithAttributes(attrs...))
}

// RecordError marks the span as failed. Nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
