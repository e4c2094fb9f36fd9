// Package apperr defines the relay's error taxonomy. Every externally visible
// failure carries a stable machine-readable Kind plus a human-readable message,
// and terminal errors keep the underlying cause reachable through Unwrap.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind is a machine-readable error tag.
type Kind string

const (
	KindConfiguration       Kind = "CONFIGURATION_ERROR"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindTimeout             Kind = "TIMEOUT"
	KindNetwork             Kind = "NETWORK_ERROR"
	KindServiceUnavailable  Kind = "SERVICE_UNAVAILABLE"
	KindRetriesExhausted    Kind = "RETRIES_EXHAUSTED"
	KindNotPaired           Kind = "NOT_PAIRED"
	KindVersionNotSupported Kind = "VERSION_NOT_SUPPORTED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// FieldError describes one violation found while validating an envelope.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f *FieldError) Error() string {
	return f.Field + ": " + f.Message
}

// Error is the concrete error type used across the relay.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	Fields     []FieldError
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates an Error with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a VALIDATION_ERROR listing every field violation.
func Validation(message string, fields []FieldError, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields, Cause: cause}
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// RateLimited builds a RATE_LIMITED error with an optional retry-after hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the first *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HTTPStatus maps a kind onto the status code the relay's HTTP surface uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotPaired:
		return http.StatusForbidden
	case KindVersionNotSupported:
		return http.StatusNotAcceptable
	case KindServiceUnavailable, KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
