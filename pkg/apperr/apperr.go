// Package apperr defines the error kinds the messaging core distinguishes at
// its boundaries. Handlers map kinds to HTTP status codes; internal callers
// branch with errors.Is against the kind sentinels.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	// KindValidation marks bad input shape or size, rejected before the
	// actor is invoked. Never retried.
	KindValidation Kind = iota
	// KindNotFound marks an unknown conversation or message.
	KindNotFound
	// KindForbidden marks a caller that is not a participant.
	KindForbidden
	// KindConflict marks a mutation already resolved by another request,
	// or an invalid state transition.
	KindConflict
	// KindTransient marks a persistence or transport failure that is safe
	// to retry with the same idempotency token.
	KindTransient
	// KindDegraded marks catch-up metadata that is structurally
	// unavailable; callers must fall back to a full resync.
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindDegraded:
		return "degraded"
	}
	return "unknown"
}

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two apperr values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// New formats a new error of the given kind.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error  { return New(KindForbidden, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }
func Transient(err error, format string, args ...any) *Error {
	return Wrap(KindTransient, err, format, args...)
}
func Degraded(format string, args ...any) *Error { return New(KindDegraded, format, args...) }

// KindOf extracts the kind from err, defaulting to KindTransient for
// unclassified failures so callers err on the retryable side.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// HTTPStatus maps an error to the status code the API surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindDegraded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
