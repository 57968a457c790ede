package llm

import (
	"context"
	"errors"
	"net/http"
)

// Error kinds providers classify failures into. The executor retries
// ErrRateLimited and ErrProviderUnavailable with backoff and fails the
// step immediately on ErrInvalidRequest.
var (
	// ErrRateLimited means the provider throttled the request (429).
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrInvalidRequest means the request itself was rejected (4xx).
	// Retrying the same request cannot succeed.
	ErrInvalidRequest = errors.New("llm: invalid request")

	// ErrProviderUnavailable means the provider or the path to it failed
	// (5xx, timeout, connection error).
	ErrProviderUnavailable = errors.New("llm: provider unavailable")

	// ErrNoProvider means no registered provider serves the requested
	// model.
	ErrNoProvider = errors.New("llm: no provider for model")
)

// IsRetryable reports whether a later attempt of the same request could
// succeed. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable)
}

// classifyStatus maps an HTTP status to an error kind, or nil when the
// status carries no signal (0 for transport-level failures).
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrProviderUnavailable
	case status >= 400:
		return ErrInvalidRequest
	default:
		return nil
	}
}
