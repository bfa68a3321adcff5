package usekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeNetwork       = "Network"
	ErrorTypeHTTPStatus    = "HTTPStatus"
	ErrorTypeCancelled     = "Cancelled"
	ErrorTypeExhausted     = "Exhausted"
	ErrorTypeConfiguration = "Configuration"
	ErrorTypeValidation    = "Validation"
	ErrorTypeTokenRefresh  = "TokenRefresh"
)

// Sentinel errors for common failure scenarios
var (
	// ErrSuperseded is the cancellation cause of a request replaced by a
	// newer request with the same signature.
	ErrSuperseded = errors.New("usekit: superseded by duplicate request")

	// ErrGateCleared is the cancellation cause of requests dropped by Gate.Clear.
	ErrGateCleared = errors.New("usekit: concurrency gate cleared")

	// ErrUnsupportedMethod is returned for methods outside the supported set.
	ErrUnsupportedMethod = errors.New("usekit: unsupported method")

	// ErrNoRefreshFunc is returned when a refresh is needed but none is configured.
	ErrNoRefreshFunc = errors.New("usekit: no token refresh function configured")

	// ErrClientClosed is returned by requests issued after Close.
	ErrClientClosed = errors.New("usekit: client closed")
)

// ClientError is the single error type surfaced by Client. Type places it in
// the error taxonomy; Cause keeps the underlying error for errors.Is/As.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	StatusCode int
	Response   *Response
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsCancelled reports whether err ended a request through supersession,
// a gate clear or context cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if isCancelledType(err) {
		return true
	}
	return errors.Is(err, ErrSuperseded) ||
		errors.Is(err, ErrGateCleared) ||
		errors.Is(err, context.Canceled)
}

func isCancelledType(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrorTypeCancelled
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, 408, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork:
			return true
		case ErrorTypeHTTPStatus:
			code := clientErr.StatusCode
			return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
		case ErrorTypeExhausted:
			return IsTransient(clientErr.Cause)
		default:
			return false
		}
	}

	return false
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *ClientError
	for errors.As(err, &clientErr) {
		if clientErr.StatusCode > 0 {
			return clientErr.StatusCode
		}
		err = clientErr.Cause
	}
	return 0
}

func newHTTPStatusError(resp *Response) *ClientError {
	return &ClientError{
		Type:       ErrorTypeHTTPStatus,
		Message:    fmt.Sprintf("unexpected response %s", resp.StatusText),
		StatusCode: resp.Status,
		Response:   resp,
		Timestamp:  time.Now(),
	}
}

func newCancelledError(cause error) *ClientError {
	return &ClientError{
		Type:      ErrorTypeCancelled,
		Message:   "request cancelled",
		Cause:     cause,
		Timestamp: time.Now(),
	}
}
