package httptp

import (
	"errors"
	"fmt"
)

var (
	// ErrResponseTooLarge indicates a response body above MaxResponseBytes.
	ErrResponseTooLarge = errors.New("httptp: response too large")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	// Body holds the beginning of the response body.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("httptp: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("httptp: unexpected status %d: %s", e.StatusCode, e.Body)
}
