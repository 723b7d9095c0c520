package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrConnectionFailed means the native connection or its tunnel could not be established.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrUnreflectableTable is recorded per table and never fails a whole reflection.
	ErrUnreflectableTable = errors.New("table could not be reflected")
	ErrUnknownType        = errors.New("unknown native type")
	ErrQueryFailed        = errors.New("query failed")
	ErrCacheCorrupt       = errors.New("metadata cache corrupt")
	ErrValidation         = errors.New("validation error")
	ErrConnectionUnusable = errors.New("connection is no longer usable")
)

// ConnectionError carries the engine and target of a failed connection attempt.
type ConnectionError struct {
	Engine string
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed (%s %s): %v", e.Engine, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnectionFailed, e.Err} }

// QueryError wraps a driver rejection. Query holds the sanitized statement.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() []error { return []error{ErrQueryFailed, e.Err} }

// ValidationError is a caller-facing bad request detected before execution.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error on %q: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TableError records why a single table was skipped during reflection.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %q could not be reflected: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() []error { return []error{ErrUnreflectableTable, e.Err} }
