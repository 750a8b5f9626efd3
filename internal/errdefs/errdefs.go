// Package errdefs classifies engine errors into the reasons surfaced on claim status.
//
// Lower layers (validation, transforms, patching, synthesis) return *Error values wrapped
// with additional context. The reconciler unwraps them to decide whether to retry and to
// write the reason/message pair onto the claim.
package errdefs

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

type Reason string

const (
	ReasonValidation          Reason = "ValidationError"
	ReasonUnresolvedReference Reason = "UnresolvedReference"
	ReasonNotYetAvailable     Reason = "NotYetAvailable"
	ReasonCompositionNotFound Reason = "CompositionNotFound"
	ReasonConflict            Reason = "ConflictError"
	ReasonApplyFailure        Reason = "ApplyFailure"
)

type Error struct {
	Reason    Reason
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps every violation found in a single validation pass.
func Validation(errs field.ErrorList) *Error {
	return &Error{Reason: ReasonValidation, Message: errs.ToAggregate().Error()}
}

func MissingRequiredField(path string) *Error {
	return &Error{Reason: ReasonUnresolvedReference, Message: fmt.Sprintf("required field %q is not set", path)}
}

func UnmappedValue(value any) *Error {
	return &Error{Reason: ReasonUnresolvedReference, Message: fmt.Sprintf("value %v has no mapping and no default", value)}
}

// InvalidValue is returned when a present claim value cannot be transformed.
func InvalidValue(path string, err error) *Error {
	return &Error{Reason: ReasonValidation, Message: fmt.Sprintf("invalid value at %q", path), Err: err}
}

// Unresolvable is returned when a resolved value cannot be written into its template.
func Unresolvable(path string, err error) *Error {
	return &Error{Reason: ReasonUnresolvedReference, Message: fmt.Sprintf("cannot resolve %q", path), Err: err}
}

func NotYetAvailable(kind, namespace, name string) *Error {
	return &Error{
		Reason:    ReasonNotYetAvailable,
		Message:   fmt.Sprintf("referenced %s %s/%s does not exist yet", kind, namespace, name),
		Retryable: true,
	}
}

func CompositionNotFound(apiVersion, kind string) *Error {
	return &Error{Reason: ReasonCompositionNotFound, Message: fmt.Sprintf("no composition is registered for %s, Kind=%s", apiVersion, kind)}
}

func Conflict(err error) *Error {
	return &Error{Reason: ReasonConflict, Message: "resource changed since it was last observed", Retryable: true, Err: err}
}

func ApplyFailure(verb string, err error) *Error {
	return &Error{Reason: ReasonApplyFailure, Message: verb + " rejected by the resource store", Retryable: true, Err: err}
}

// ReasonOf returns the classified reason of err, or ApplyFailure for unclassified errors
// since those can only originate from the resource store.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonApplyFailure
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsTerminal is true for errors that can only be resolved by editing the claim
// or the composition registry.
func IsTerminal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// Terminal is true for reasons that are not resolved by retrying.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonValidation, ReasonUnresolvedReference, ReasonCompositionNotFound:
		return true
	}
	return false
}
