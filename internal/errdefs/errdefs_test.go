package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		Name      string
		Err       error
		Reason    Reason
		Retryable bool
	}{
		{
			Name:   "validation",
			Err:    Validation(field.ErrorList{field.Required(field.NewPath("spec", "image"), "")}),
			Reason: ReasonValidation,
		},
		{
			Name:   "wrapped missing field",
			Err:    fmt.Errorf("resource %q: %w", "workload", MissingRequiredField("spec.image")),
			Reason: ReasonUnresolvedReference,
		},
		{
			Name:      "not yet available",
			Err:       NotYetAvailable("Secret", "default", "db"),
			Reason:    ReasonNotYetAvailable,
			Retryable: true,
		},
		{
			Name:   "unknown composition",
			Err:    CompositionNotFound("platform.bizmatters.io/v1alpha1", "Nope"),
			Reason: ReasonCompositionNotFound,
		},
		{
			Name:      "unclassified",
			Err:       errors.New("connection refused"),
			Reason:    ReasonApplyFailure,
			Retryable: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			assert.Equal(t, tc.Reason, ReasonOf(tc.Err))
			assert.Equal(t, tc.Retryable, IsRetryable(tc.Err))
			assert.Equal(t, !tc.Retryable, IsTerminal(tc.Err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := ApplyFailure("create", errors.New("admission webhook denied"))
	assert.Equal(t, "create rejected by the resource store: admission webhook denied", err.Error())
	assert.True(t, errors.Is(err, err.Err))
	assert.False(t, IsTerminal(nil))
}

func TestReasonTerminal(t *testing.T) {
	assert.True(t, ReasonValidation.Terminal())
	assert.True(t, ReasonUnresolvedReference.Terminal())
	assert.True(t, ReasonCompositionNotFound.Terminal())
	assert.False(t, ReasonNotYetAvailable.Terminal())
	assert.False(t, ReasonConflict.Terminal())
	assert.False(t, ReasonApplyFailure.Terminal())
}
