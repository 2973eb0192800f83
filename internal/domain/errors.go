package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure and decides the status code it maps to.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindConflict
	KindTransientStore
	KindNotFound
	KindUpstream
	KindTooLarge
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindValidation:     "validation",
	KindUnauthorized:   "unauthorized",
	KindForbidden:      "forbidden",
	KindRateLimited:    "rate_limited",
	KindConflict:       "conflict",
	KindTransientStore: "transient_store",
	KindNotFound:       "not_found",
	KindUpstream:       "upstream",
	KindTooLarge:       "too_large",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Status is the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindTransientStore:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is an intentional failure. Message is safe to show to callers; Err
// is kept for logs only.
type Error struct {
	Kind       Kind
	Message    string
	Details    []string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the HTTP status code for the error.
func (e *Error) Status() int { return e.Kind.Status() }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ValidationErrorf(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func UnauthorizedErrorf(format string, args ...any) *Error {
	return newError(KindUnauthorized, format, args...)
}

func ForbiddenErrorf(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func ConflictErrorf(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func NotFoundErrorf(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// TooLargeErrorf is a request the gateway refuses to read in full.
func TooLargeErrorf(format string, args ...any) *Error {
	return newError(KindTooLarge, format, args...)
}

// RateLimitError tells the caller to back off for retryAfter.
func RateLimitError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// Wrap attaches kind and a public message to err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := newError(kind, format, args...)
	e.Err = err
	return e
}

// WithDetails returns e carrying details, such as schema violations.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf maps err to an HTTP status code. Untyped errors are 500.
func StatusOf(err error) int {
	return KindOf(err).Status()
}

const internalMessage = "internal server error"

// PublicMessage is the message a caller may see for err. Internal and untyped
// errors never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return internalMessage
}
