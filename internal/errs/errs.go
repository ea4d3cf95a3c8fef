// Package errs defines the closed set of error kinds shared across the
// core (§7 of the spec). Adapters (HTTP, WS) map a Kind to a status or
// event code; components never invent ad-hoc error shapes.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindAuth       Kind = "AUTH"
	KindPolicy     Kind = "POLICY"
	KindConflict   Kind = "CONFLICT"
	KindTransient  Kind = "TRANSIENT"
	KindFatal      Kind = "FATAL"
)

// CoreError is the shared error type for every component. Code is a
// short machine-readable token (e.g. "insufficient_credits"); Message is
// human-readable; Err wraps the underlying cause, if any.
type CoreError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: message, Err: err}
}

// Common domain errors referenced by name across components.
var (
	ErrInsufficientCredits = New(KindPolicy, "insufficient_credits", "balance is insufficient for this action")
	ErrRateLimited         = New(KindPolicy, "rate_limited", "rate limit exceeded")
	ErrNotFound            = New(KindValidation, "not_found", "entity not found")
	ErrConflict            = New(KindConflict, "conflict", "operation conflicts with current state")
	ErrUnauthorized        = New(KindAuth, "unauthorized", "invalid or missing credentials")
	ErrForbidden           = New(KindAuth, "forbidden", "insufficient permissions")
)

// Is reports whether err (or anything it wraps) is a *CoreError with the
// given Code.
func Is(err error, code string) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok && ce.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindFatal for errors
// that aren't a *CoreError — any unclassified error is a programming
// error by convention.
func KindOf(err error) Kind {
	if ce, ok := err.(*CoreError); ok {
		return ce.Kind
	}
	return KindFatal
}
