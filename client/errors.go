package client

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig is returned by New when the base URL or token cannot be resolved.
	ErrConfig = errors.New("client: configuration error")
	// ErrMissingRunID is returned by InitRun when the service response carries no run id.
	ErrMissingRunID = errors.New("client: init response has no run_id")
)

// StatusError is a non-success HTTP response. Responses below 500 are terminal.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("MLflare API error (%d) on %s %s", e.StatusCode, e.Method, e.Path)
	}
	return fmt.Sprintf("MLflare API error (%d) on %s %s: %s", e.StatusCode, e.Method, e.Path, body)
}

func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// RetryError reports that every attempt failed with a retryable error.
type RetryError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("MLflare API request %s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error {
	return e.Last
}

// IsRetryable reports whether err is a server-class status or a
// connection-level failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	return true
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("failed to decode MLflare response: %v", e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}
