package protocol

import (
	"errors"
	"strings"
)

// ErrorKind is the stable error category crossing the trust boundary.
type ErrorKind string

const (
	KindUnavailable       ErrorKind = "UNAVAILABLE"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindUnsupportedMethod ErrorKind = "UNSUPPORTED_METHOD"
	KindUnauthorized      ErrorKind = "UNAUTHORIZED"
	KindExecutionFailed   ErrorKind = "EXECUTION_FAILED"
)

// Sentinels for errors.Is checks against a *Error of the same kind.
var (
	ErrUnavailable       = &Error{Kind: KindUnavailable}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrUnsupportedMethod = &Error{Kind: KindUnsupportedMethod}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrExecutionFailed   = &Error{Kind: KindExecutionFailed}
)

// RateLimitedMessage accompanies KindUnavailable when the mediator is
// reachable but refuses the call for now: the origin sent too many
// requests, or too many are already in flight. Pages should back off and
// retry rather than treat the wallet as gone.
const RateLimitedMessage = "too many requests"

// IsRateLimited reports whether err is the retryable Unavailable described
// by RateLimitedMessage.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e != nil && e.Kind == KindUnavailable && e.Message == RateLimitedMessage
}

// Default messages used when a boundary error is built without one.
var defaultMessages = map[ErrorKind]string{
	KindUnavailable:       "wallet extension not available",
	KindTimeout:           "request timed out",
	KindUnsupportedMethod: "method not supported",
	KindUnauthorized:      "origin is not authorized for this method",
	KindExecutionFailed:   "request failed",
}

// Valid reports whether k is one of the documented kinds.
func (k ErrorKind) Valid() bool {
	_, ok := defaultMessages[k]
	return ok
}

// Error is the page-visible failure: a kind plus a human-readable message.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewError builds an Error, normalizing unknown kinds to ExecutionFailed.
func NewError(kind ErrorKind, message string) *Error {
	if !kind.Valid() {
		kind = KindExecutionFailed
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultMessages[kind]
	}
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err, or ExecutionFailed when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindExecutionFailed
}
