package service

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAPIKey is returned when no upstream credential is configured.
	ErrMissingAPIKey = errors.New("API key not configured")

	// ErrRateLimited marks an upstream 429.
	ErrRateLimited = errors.New("upstream rate limited (429)")

	// ErrInvalidPayload is returned when a 2xx upstream body is not a search result.
	ErrInvalidPayload = errors.New("invalid upstream payload")
)

// UpstreamError is a non-retryable upstream rejection (non-2xx, non-429).
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Pexels API error: %d", e.StatusCode)
}

// ExhaustedError is returned when every attempt was rate limited or failed in transport.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
