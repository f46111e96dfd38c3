package domain

import "fmt"

// ValidationError is a client-side rejection raised before any network
// call is issued: illegal values, empty required title, bad payloads.
type ValidationError struct {
	Field  Field
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConflictError is returned when the backend rejects a write, for example
// a duplicate name or stale state. The optimistic local value must be
// rolled back when one of these surfaces.
type ConflictError struct {
	StatusCode int
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%d): %s", e.StatusCode, e.Message)
}

// TransportError wraps a network failure, a non-2xx response outside the
// conflict family, or a malformed response body. Never retried
// automatically.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError means a referenced task is missing, either from the local
// forest or from the backend. Forest-level lookups treat it as a logged
// no-op.
type NotFoundError struct {
	ID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %d not found", e.ID)
}
