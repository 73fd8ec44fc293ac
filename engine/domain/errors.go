package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the stage that produced it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindEmbedding      Kind = "embedding"
	KindVectorStore    Kind = "vector_store"
	KindExternalSearch Kind = "external_search"
	KindArbitration    Kind = "arbitration"
	KindPersistence    Kind = "persistence"
)

// Sentinel errors for validation failures.
var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidValue = errors.New("invalid value")
	ErrDimension    = errors.New("embedding dimension mismatch")
	ErrContract     = errors.New("response does not match contract")
)

// Error carries a stable kind, a human-readable message and the cause.
// Only Kind and Msg are ever shown to callers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind wrapping err.
func Errorf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a validation-kind Error for a single field.
func NewValidationError(field, value string, wrapped error) *Error {
	ve := &ValidationError{Field: field, Value: value, Wrapped: wrapped}
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf("%s: %s", field, wrapped), Err: ve}
}
