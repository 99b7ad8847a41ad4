package api

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrRateLimited       = errors.New("rate limited by API")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrMalformedPayload  = errors.New("malformed payload")
)

// HTTPError is returned for unexpected non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
