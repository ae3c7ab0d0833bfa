package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicate         = errors.New("resource already exists")

	// ErrOutOfOrder is returned when an older unresolved request for the
	// same position side must be handled first.
	ErrOutOfOrder = errors.New("earlier request still unresolved")
)

// ValidationError reports bad input. It is returned synchronously and the
// offending request is never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StaleStateError means the state an entity was created against has moved,
// e.g. a position shrank after a lock trigger fired.
type StaleStateError struct {
	Entity  string
	ID      string
	Message string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale %s %s: %s", e.Entity, e.ID, e.Message)
}

// GatewayErrorKind separates retryable gateway failures from rejections.
type GatewayErrorKind string

const (
	GatewayTransient GatewayErrorKind = "transient"
	GatewayRejected  GatewayErrorKind = "rejected"
)

// GatewayError wraps a failure returned by the order gateway.
type GatewayError struct {
	Kind GatewayErrorKind
	Op   string
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStale reports whether err carries a StaleStateError.
func IsStale(err error) bool {
	var se *StaleStateError
	return errors.As(err, &se)
}
