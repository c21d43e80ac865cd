package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers classify failures with errors.Is.
var (
	// ErrLoad marks a missing or malformed knowledge/config source.
	ErrLoad = errors.New("load error")
	// ErrService marks an unavailable completion service (network, auth, quota).
	ErrService = errors.New("service error")
	// ErrIO marks a persistence read or write failure.
	ErrIO = errors.New("io error")
	// ErrValidation marks malformed user input to a session verb.
	ErrValidation = errors.New("validation error")
)

// ValidationError rejects a user intent with a reason string.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IOError wraps a persistence failure so it matches ErrIO while keeping the cause.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrIO, err))
}
