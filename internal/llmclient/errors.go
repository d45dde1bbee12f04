package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrEmptyResponse is returned when a provider answers without content.
	ErrEmptyResponse = errors.New("model returned no content")
	// ErrBlocked is returned when a provider refuses the request on policy grounds.
	ErrBlocked = errors.New("model blocked the request")
)

// StatusError is a provider error carrying an HTTP status.
type StatusError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %v", e.Backend, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// retryable reports whether a failed call is worth repeating: rate limits,
// server errors and network timeouts are, everything else is permanent.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return se.StatusCode >= 520
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return !errors.Is(err, ErrBlocked)
}
