// Package errs implements the error taxonomy of spec §7: a closed set of
// kinds, not a type hierarchy, so components can classify without
// importing each other's error types.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries of spec §7.
type Kind string

const (
	KindStorageUnavailable     Kind = "StorageUnavailable"
	KindInsufficientStorage    Kind = "InsufficientStorage"
	KindMigrationFailed        Kind = "MigrationFailed"
	KindQueryError             Kind = "QueryError"
	KindTransportError         Kind = "TransportError"
	KindBatchTimeout           Kind = "BatchTimeout"
	KindConflict               Kind = "Conflict"
	KindRetryExhausted         Kind = "RetryExhausted"
	KindQuotaCritical          Kind = "QuotaCritical"
	KindMigrationValidation    Kind = "MigrationValidationError"
	KindPermissionDenied       Kind = "PermissionDenied"
)

// Error is a classified error carrying its taxonomy Kind alongside the
// underlying cause, so callers can switch on Kind without type-asserting
// through every component's private error type.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New classifies err under kind, tagging it with the operation name that
// observed the failure.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Notification is the structured user-visible surface of spec §7 for
// critical storage states and migration failures.
type Notification struct {
	Type        Kind   `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
}
