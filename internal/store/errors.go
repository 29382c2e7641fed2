package store

import "errors"

// Sentinel errors forming the error taxonomy shared by every package built
// on top of the store. Callers compare with errors.Is; the dashboard layer
// maps these to HTTP status codes.
var (
	// ErrNotFound means a task/group/instance/webhook ID is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput means a request was malformed: a missing required
	// field, an invalid priority/role, a dependency cycle, a duplicate
	// prefix registration.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict means a mutation could not apply because of a
	// conflicting state (used internally; most callers treat "no task to
	// claim" as a nil result, not this error).
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means a requested subsystem is not wired.
	ErrUnavailable = errors.New("unavailable")
	// ErrUnauthorized means a request lacked a valid credential.
	ErrUnauthorized = errors.New("unauthorized")
)
