package outgoing

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	ErrorTimeout    = "timeout"
	ErrorTransport  = "transport"
	ErrorHTTPStatus = "http_status"
)

// CallError is a categorized outgoing webhook failure.
type CallError struct {
	Category   string
	Code       string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}

	switch e.Category {
	case ErrorHTTPStatus:
		return fmt.Sprintf("outgoing webhook %q: HTTP error: %d", e.Code, e.StatusCode)
	case ErrorTimeout:
		return fmt.Sprintf("outgoing webhook %q: request timed out", e.Code)
	default:
		if e.Err != nil {
			return fmt.Sprintf("outgoing webhook %q: %v", e.Code, e.Err)
		}
		return fmt.Sprintf("outgoing webhook %q: %s", e.Code, e.Category)
	}
}

func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NoSuchWebhookError is returned for a code with no configured webhook.
type NoSuchWebhookError struct {
	Code string
}

func (e *NoSuchWebhookError) Error() string {
	return fmt.Sprintf("there is no webhook with code %q", e.Code)
}

// CategoryFromError returns the stable failure category for err.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Category
	}

	var missing *NoSuchWebhookError
	if errors.As(err, &missing) {
		return "unknown_webhook"
	}

	return ErrorTransport
}

// classifyTransportError maps a client.Do failure onto timeout or transport.
func classifyTransportError(code string, err error) *CallError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Category: ErrorTimeout, Code: code, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Category: ErrorTimeout, Code: code, Err: err}
	}

	return &CallError{Category: ErrorTransport, Code: code, Err: err}
}
