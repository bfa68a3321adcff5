package usekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClientError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ClientError
		expected string
	}{
		{
			name:     "basic error",
			err:      &ClientError{Type: ErrorTypeNetwork, Message: "connection failed"},
			expected: "Network: connection failed",
		},
		{
			name:     "with status",
			err:      &ClientError{Type: ErrorTypeHTTPStatus, Message: "unexpected response", StatusCode: 404},
			expected: "HTTPStatus: unexpected response (status 404)",
		},
		{
			name:     "with cause",
			err:      &ClientError{Type: ErrorTypeNetwork, Message: "connection failed", Cause: errors.New("timeout")},
			expected: "Network: connection failed (timeout)",
		},
		{
			name:     "with request ID",
			err:      &ClientError{Type: ErrorTypeNetwork, Message: "connection failed", RequestID: "req-123"},
			expected: "[req-123] Network: connection failed",
		},
		{
			name:     "with attempt",
			err:      &ClientError{Type: ErrorTypeExhausted, Message: "retries exhausted", Attempt: 3, MaxRetries: 3},
			expected: "Exhausted: retries exhausted (attempt 3/3)",
		},
		{
			name:     "nil error",
			err:      nil,
			expected: "<nil>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestClientError_UnwrapAndIs(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &ClientError{Type: ErrorTypeNetwork, Message: "request failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if !errors.Is(err, &ClientError{Type: ErrorTypeNetwork}) {
		t.Error("errors.Is should match on type")
	}
	if errors.Is(err, &ClientError{Type: ErrorTypeHTTPStatus}) {
		t.Error("errors.Is should not match another type")
	}

	wrapped := fmt.Errorf("fetching users: %w", err)
	var clientErr *ClientError
	if !errors.As(wrapped, &clientErr) || clientErr != err {
		t.Error("errors.As should find the ClientError through wrapping")
	}

	var nilErr *ClientError
	if nilErr.Unwrap() != nil || nilErr.Is(err) {
		t.Error("nil receiver should be inert")
	}
}

func TestClientError_DebugInfo(t *testing.T) {
	err := &ClientError{
		Type:       ErrorTypeHTTPStatus,
		Message:    "unexpected response",
		RequestID:  "req-1",
		Method:     "GET",
		URL:        "https://api.example.com/users",
		StatusCode: 503,
		Attempt:    2,
		MaxRetries: 3,
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:   150 * time.Millisecond,
		Cause:      errors.New("upstream"),
	}

	info := err.DebugInfo()
	for _, want := range []string{
		"Error Type: HTTPStatus",
		"Request ID: req-1",
		"Method: GET",
		"URL: https://api.example.com/users",
		"Status Code: 503",
		"Attempt: 2/3",
		"Timestamp: 2024-01-02T03:04:05Z",
		"Duration: 150ms",
		"Cause: upstream",
	} {
		if !strings.Contains(info, want) {
			t.Errorf("DebugInfo() missing %q:\n%s", want, info)
		}
	}

	var nilErr *ClientError
	if nilErr.DebugInfo() != "Error: <nil>" {
		t.Errorf("unexpected nil DebugInfo %q", nilErr.DebugInfo())
	}
}

func TestIsCancelled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled type", newCancelledError(nil), true},
		{"superseded", newCancelledError(ErrSuperseded), true},
		{"bare superseded", ErrSuperseded, true},
		{"gate cleared", fmt.Errorf("wrap: %w", ErrGateCleared), true},
		{"context canceled", context.Canceled, true},
		{"deadline", context.DeadlineExceeded, false},
		{"network", &ClientError{Type: ErrorTypeNetwork}, false},
		{"status", &ClientError{Type: ErrorTypeHTTPStatus, StatusCode: 500}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancelled(tt.err); got != tt.want {
				t.Errorf("IsCancelled(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"network", &ClientError{Type: ErrorTypeNetwork}, true},
		{"408", &ClientError{Type: ErrorTypeHTTPStatus, StatusCode: http.StatusRequestTimeout}, true},
		{"429", &ClientError{Type: ErrorTypeHTTPStatus, StatusCode: http.StatusTooManyRequests}, true},
		{"502", &ClientError{Type: ErrorTypeHTTPStatus, StatusCode: http.StatusBadGateway}, true},
		{"404", &ClientError{Type: ErrorTypeHTTPStatus, StatusCode: http.StatusNotFound}, false},
		{"cancelled", newCancelledError(ErrSuperseded), false},
		{"validation", &ClientError{Type: ErrorTypeValidation}, false},
		{
			"exhausted network",
			&ClientError{Type: ErrorTypeExhausted, Cause: &ClientError{Type: ErrorTypeNetwork}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	inner := newHTTPStatusError(&Response{Status: http.StatusServiceUnavailable, StatusText: "Service Unavailable"})
	exhausted := &ClientError{Type: ErrorTypeExhausted, Cause: inner}

	if got := StatusCode(exhausted); got != http.StatusServiceUnavailable {
		t.Errorf("StatusCode() through Exhausted = %d", got)
	}
	if got := StatusCode(fmt.Errorf("ctx: %w", inner)); got != http.StatusServiceUnavailable {
		t.Errorf("StatusCode() through wrapping = %d", got)
	}
	if got := StatusCode(errors.New("x")); got != 0 {
		t.Errorf("StatusCode() of plain error = %d", got)
	}
	if inner.Response == nil || inner.Response.Status != http.StatusServiceUnavailable {
		t.Error("status error should carry the response")
	}
}
