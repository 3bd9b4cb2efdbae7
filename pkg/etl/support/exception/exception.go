// Package exception provides the error model for the Stratum ETL runner.
// Every failure that crosses a component boundary is an ETLError carrying the
// module it originated in and a Kind from the runner's error taxonomy, so the
// orchestrator can map failures into the audit and event model in one place.
package exception

import (
	"errors"
	"fmt"
)

// Kind classifies an ETLError into the runner's error taxonomy.
type Kind string

const (
	// KindValidation marks malformed configuration or metadata. It fails the
	// whole job before any data movement.
	KindValidation Kind = "VALIDATION"
	// KindSynthesis marks per-column DDL synthesis failures (unsupported type,
	// multiple primary keys). A job with any synthesis error gets no table.
	KindSynthesis Kind = "SYNTHESIS"
	// KindLoad marks a statement rejected by the backing store. Fatal for the
	// current stage, never retried automatically.
	KindLoad Kind = "LOAD"
	// KindReferenceLookup marks an unreachable referenced table during FK
	// enforcement. Recovered by skipping the one FK rule.
	KindReferenceLookup Kind = "REFERENCE_LOOKUP"
	// KindConfig marks application configuration problems (bad YAML, missing
	// connection settings).
	KindConfig Kind = "CONFIG"
	// KindInternal marks everything else.
	KindInternal Kind = "INTERNAL"
)

// ETLError is the error type used throughout the runner. It records the module
// where the error occurred, its Kind, a message, and the wrapped cause.
type ETLError struct {
	Module      string
	Kind        Kind
	Message     string
	OriginalErr error
}

// New creates a new ETLError.
func New(module string, kind Kind, message string, originalErr error) *ETLError {
	return &ETLError{
		Module:      module,
		Kind:        kind,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// Newf creates a new ETLError with a formatted message and no wrapped cause.
func Newf(module string, kind Kind, format string, a ...interface{}) *ETLError {
	return &ETLError{
		Module:  module,
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}

// Error implements the error interface.
func (e *ETLError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the wrapped cause for errors.Unwrap.
func (e *ETLError) Unwrap() error {
	return e.OriginalErr
}

// KindOf returns the Kind of err if it is (or wraps) an ETLError, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	var ee *ETLError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) an ETLError of the given Kind.
func IsKind(err error, kind Kind) bool {
	var ee *ETLError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// ExtractErrorMessage extracts a concise message from an error. For an
// ETLError it returns the cleaner Message field; otherwise the standard
// Error() string.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ee *ETLError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}
