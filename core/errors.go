package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is().
// Each sentinel corresponds to one outcome kind on the transport return path.
var (
	// Retryable kinds
	ErrNetwork          = errors.New("network failure")
	ErrHostError        = errors.New("host error")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrServerThrottle   = errors.New("server throttle")
	ErrTokenWaitTimeout = errors.New("token wait timeout")

	// Non-retryable kinds
	ErrClientError       = errors.New("client error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrHandlerFailure    = errors.New("handler failure")
	ErrAuthFailure       = errors.New("authentication failure")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping, so callers
// can classify outcomes with errors.Is(err, core.ErrServerThrottle) while
// still reaching transport details like the HTTP status code.
type Error struct {
	Op         string        // Operation that failed (e.g., "rqc.CreateExecution")
	Kind       error         // Sentinel identifying the taxonomy kind
	StatusCode int           // HTTP status code, 0 when not applicable
	RetryAfter time.Duration // Parsed Retry-After header, 0 when absent
	Err        error         // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap supports errors.Is/As against both the kind sentinel and the cause
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewError creates a structured Error of the given kind
func NewError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether an error may succeed on a subsequent attempt.
// Retryable errors are transient network or availability conditions plus the
// throttling signals (server 429 and client-side token-wait expiry).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrHostError) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrServerThrottle) ||
		errors.Is(err, ErrTokenWaitTimeout)
}

// IsThrottle reports whether the error is a server-issued throttling signal
func IsThrottle(err error) bool {
	return errors.Is(err, ErrServerThrottle)
}

// RetryAfterFrom extracts a server-suggested retry delay from an error chain.
// Returns false when the error carries no Retry-After hint.
func RetryAfterFrom(err error) (time.Duration, bool) {
	var te *Error
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

// StatusCodeFrom extracts the HTTP status code from an error chain, 0 if none
func StatusCodeFrom(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
