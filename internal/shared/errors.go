package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain failures.
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION"
	KindInvalidState ErrorKind = "INVALID_STATE"
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindExternal     ErrorKind = "EXTERNAL_FAILURE"
	KindForbidden    ErrorKind = "FORBIDDEN"
)

var (
	// ErrValidation matches malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState matches operations attempted from a forbidden state.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrExternal matches collaborator failures.
	ErrExternal = errors.New("external collaborator failure")
	// ErrForbidden indicates the actor lacks a capability.
	ErrForbidden = errors.New("forbidden")
)

// Error carries the failing aggregate and a human readable reason.
type Error struct {
	Kind   ErrorKind
	Entity string
	ID     int64
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %d: %s", e.Entity, e.ID, e.Reason)
	if e.ID == 0 {
		msg = fmt.Sprintf("%s: %s", e.Entity, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying collaborator error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrExternal:
		return e.Kind == KindExternal
	case ErrForbidden:
		return e.Kind == KindForbidden
	}
	return false
}

// Validation builds a validation error.
func Validation(entity string, id int64, format string, args ...any) error {
	return &Error{Kind: KindValidation, Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// InvalidState builds an invalid state error.
func InvalidState(entity string, id int64, format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// NotFound builds a not found error.
func NotFound(entity string, id int64) error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Reason: "not found"}
}

// External wraps a collaborator failure.
func External(entity string, id int64, reason string, err error) error {
	return &Error{Kind: KindExternal, Entity: entity, ID: id, Reason: reason, Err: err}
}

// Forbidden reports a missing capability.
func Forbidden(entity string, capability string) error {
	return &Error{Kind: KindForbidden, Entity: entity, Reason: fmt.Sprintf("missing capability %s", capability)}
}

// KindOf returns the kind of a domain error, or empty for foreign errors.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return ""
}
