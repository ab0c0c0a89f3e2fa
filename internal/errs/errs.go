// Package errs defines the boundary-crossing error taxonomy shared by every
// subsystem. All errors that cross a repository, engine, sandbox, or
// pipeline boundary are classified into one of the Kind values below before
// reaching a caller; HTTPStatus below is the single mapping from a Kind to
// an HTTP status, applied by the httpapi layer.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a boundary-crossing error into a small, stable set of
// categories. See spec §7 for the authoritative table.
type Kind string

const (
	// NotFound indicates an entity lookup came back empty.
	NotFound Kind = "not_found"
	// InvalidArgument indicates a request shape, DAG invariant, or
	// expression type error.
	InvalidArgument Kind = "invalid_argument"
	// PermissionDenied indicates a missing capability or bad auth.
	PermissionDenied Kind = "permission_denied"
	// Conflict indicates a uniqueness violation or a concurrency-key limit
	// breach.
	Conflict Kind = "conflict"
	// IllegalState indicates an operation disallowed in the entity's
	// current state (e.g. approving an already-terminal run).
	IllegalState Kind = "illegal_state"
	// ResourceExhausted indicates a sandbox cap, budget cap, or rate
	// limit was hit.
	ResourceExhausted Kind = "resource_exhausted"
	// Timeout indicates any deadline was exceeded.
	Timeout Kind = "timeout"
	// Upstream indicates a provider failed after failover was exhausted.
	Upstream Kind = "upstream"
	// Internal indicates an unexpected condition — a bug.
	Internal Kind = "internal"
)

// Error is a structured, chain-preserving error. It implements errors.Is/As
// via Unwrap so callers can test for a Kind with errors.Is(err,
// errs.New(errs.NotFound, "")) or extract the concrete *Error with
// errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that preserves cause for errors.Unwrap chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf formats a message and wraps cause, mirroring fmt.Errorf's %w
// handling for the Cause field specifically.
func Errorf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, enabling errors.Is/As to see through
// this error to the original failure.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, errs.New(errs.NotFound, "")) without caring
// about the message text.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) an *Error. A nil err yields the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code spec §7 assigns it.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return 404
	case InvalidArgument:
		return 400
	case PermissionDenied:
		return 403
	case Conflict:
		return 409
	case IllegalState:
		return 409
	case ResourceExhausted:
		return 429
	case Timeout:
		return 408
	case Upstream:
		return 502
	default:
		return 500
	}
}
