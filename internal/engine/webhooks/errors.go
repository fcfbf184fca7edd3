package webhooks

import (
	"errors"
	"fmt"
	"time"

	"carehub/internal/platform/repositories"
)

// ErrEndpointNotFound is returned for missing and deleted endpoints as well as
// endpoints owned by another organization.
var ErrEndpointNotFound = fmt.Errorf("webhook endpoint: %w", repositories.ErrNotFound)

// ErrInterrupted is wrapped in the NetworkError of an attempt whose caller
// was cancelled before the endpoint answered.
var ErrInterrupted = errors.New("delivery interrupted")

// TimeoutError means the endpoint did not answer within its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s", e.Timeout)
}

// NetworkError wraps transport failures such as DNS or connection refused.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a response outside the 2xx range.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("endpoint responded with HTTP %d", e.StatusCode)
}

// ValidationError rejects endpoint configuration or event input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
