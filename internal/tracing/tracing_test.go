package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSpansWithoutProvider(t *testing.T) {
	ctx, span := StartReconcileSpan(context.Background(), "Worker", "default", "orders")
	defer span.End()

	_, child := StartPhaseSpan(ctx, "apply", attribute.Int("ordering", 1))
	RecordError(child, errors.New("boom"))
	RecordError(child, nil)
	child.End()

	assert.False(t, span.SpanContext().IsValid(), "noop tracer should not produce valid span contexts")
}
