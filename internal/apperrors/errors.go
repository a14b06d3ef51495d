// Package apperrors classifies engine errors into the small set of kinds
// callers act on. Packages declare their own sentinels with New; callers
// recover the kind with KindOf regardless of how deeply the error is wrapped.
package apperrors

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindRevealNotReady      Kind = "REVEAL_NOT_READY"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindVenue               Kind = "VENUE_FAILURE"
	KindInvariant           Kind = "INVARIANT_VIOLATION"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error is a sentinel carrying its kind. Compare with errors.Is.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New declares a sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Recoverable reports whether the caller can fix the request and resubmit.
// Invariant violations and internal failures are defects, not input errors.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindInvariant, KindInternal:
		return false
	default:
		return true
	}
}

// HTTPStatus maps a kind onto the status code the API answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRevealNotReady:
		return http.StatusTooEarly
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindVenue:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
