// Package rmapi provides an HTTP client for the reMarkable Cloud APIs:
// device registration, user token refresh, storage discovery, document
// listing, and uploads.
package rmapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, rmapi.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("rmapi: bad request")
	ErrUnauthorized = errors.New("rmapi: unauthorized")
	ErrForbidden    = errors.New("rmapi: forbidden")
	ErrNotFound     = errors.New("rmapi: not found")
	ErrConflict     = errors.New("rmapi: conflict")
	ErrThrottled    = errors.New("rmapi: throttled")
	ErrServerError  = errors.New("rmapi: server error")
	ErrUnexpected   = errors.New("rmapi: unexpected status")
)

// Errors that do not come from an HTTP status code.
var (
	// ErrRejected is returned when the storage service answers 2xx but
	// marks an entry with Success=false.
	ErrRejected = errors.New("rmapi: rejected by storage service")

	// ErrDiscovery is returned when storage discovery does not yield a host.
	ErrDiscovery = errors.New("rmapi: storage discovery failed")

	// ErrNotLoggedIn is returned when no device token is available.
	ErrNotLoggedIn = errors.New("rmapi: not logged in")
)

// APIError wraps a sentinel error with the HTTP status code, the request
// that produced it, and the response body for debugging.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rmapi: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("rmapi: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RejectedError carries the per-entry message of a storage response that
// reported Success=false.
type RejectedError struct {
	ID      string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rmapi: %s rejected: %s", e.ID, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpected
	}
}

// isRetryable reports whether the given HTTP status code should be retried:
// 408, 429 and every 5xx.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= http.StatusInternalServerError
	}
}
