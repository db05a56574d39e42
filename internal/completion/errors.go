package completion

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a completion request ultimately failed.
type Kind string

// Failure kinds surfaced to callers.
const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindServer    Kind = "server"
	KindTimeout   Kind = "timeout"
	KindOther     Kind = "other"
)

// Error is returned by GenerateResponse once retries are exhausted or a
// non-retryable failure occurs.
type Error struct {
	Kind       Kind
	StatusCode int
	Attempts   int
	Err        error

	retryable bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion %s (status %d, %d attempts): %v", e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("completion %s (%d attempts): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure was eligible for another attempt.
func (e *Error) Retryable() bool {
	return e.retryable
}

// KindOf extracts the failure kind from err, or KindOther.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindOther
}

// statusError classifies an unsuccessful HTTP status. Only 429 and the
// transient 5xx statuses are retried.
func statusError(status int, body string) *Error {
	err := fmt.Errorf("http %d: %s", status, body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: status, Err: err}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, StatusCode: status, Err: err, retryable: true}
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: KindServer, StatusCode: status, Err: err, retryable: true}
	}
	if status >= http.StatusInternalServerError {
		return &Error{Kind: KindServer, StatusCode: status, Err: err}
	}
	return &Error{Kind: KindOther, StatusCode: status, Err: err}
}
