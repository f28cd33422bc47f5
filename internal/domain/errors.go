package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a domain error for transport mapping and obligation
// handling, per the error taxonomy: Validation, NotFound, Forbidden,
// Conflict, TransientExternal, PermanentExternal, Internal.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindForbidden         ErrorKind = "forbidden"
	KindConflict          ErrorKind = "conflict"
	KindTransientExternal ErrorKind = "transient_external"
	KindPermanentExternal ErrorKind = "permanent_external"
	KindInternal          ErrorKind = "internal"
)

// Error is the typed result used in place of exceptions for control flow,
// per the Design Notes re-architecture of "exceptions used for control
// flow in handlers". Synchronous API handlers map it to an HTTP status;
// obligation handlers switch on Kind to decide Retry vs Fail.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code a synchronous API response should use.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTransientExternal:
		return http.StatusServiceUnavailable
	case KindPermanentExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an obligation handler hitting this error should
// return Retry (transient) rather than Fail (permanent) per §7.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientExternal
}

func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func TransientExternal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindTransientExternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func PermanentExternal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindPermanentExternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternal for
// errors that did not originate as a *domain.Error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
