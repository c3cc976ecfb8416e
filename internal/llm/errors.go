package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrProviderUnavailable is wrapped by every chain exhaustion.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrContentFiltered means the vendor withheld the completion on policy grounds.
	ErrContentFiltered = errors.New("completion withheld by content filter")
)

// Filtered reports a policy refusal by provider. It is never retried.
func Filtered(provider, reason string) error {
	return fmt.Errorf("%s: %w (%s)", provider, ErrContentFiltered, reason)
}

// Error is a non-2xx answer from a vendor API.
type Error struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, body)
}

// Transient reports whether retrying the same call may succeed.
func (e *Error) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// NewAPIError builds an *Error from a vendor response.
func NewAPIError(provider string, status int, body []byte) *Error {
	return &Error{Provider: provider, StatusCode: status, Body: strings.TrimSpace(string(body))}
}

// IsTransient classifies err: timeouts, rate limits, 5xx and network errors
// are transient; policy rejections, bad requests and auth failures are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrContentFiltered) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Transport errors from http.Client.Do that are not net.Error.
	return strings.Contains(err.Error(), "sending request")
}

// AttemptError records the failure of one provider in the chain.
type AttemptError struct {
	Provider string
	Err      error
}

// ExhaustedError is returned when no provider in the chain produced a response.
type ExhaustedError struct {
	Attempts        []AttemptError
	Skipped         []string // Providers whose circuit was open.
	AllCircuitsOpen bool
}

func (e *ExhaustedError) Error() string {
	if e.AllCircuitsOpen {
		return fmt.Sprintf("%s: all circuits open (%s)", ErrProviderUnavailable, strings.Join(e.Skipped, ", "))
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Provider + ": " + a.Err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrProviderUnavailable, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error { return ErrProviderUnavailable }
