package usekit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Method is an HTTP method accepted by Client.
type Method string

// Supported methods.
const (
	MethodGet     Method = http.MethodGet
	MethodPost    Method = http.MethodPost
	MethodPut     Method = http.MethodPut
	MethodDelete  Method = http.MethodDelete
	MethodPatch   Method = http.MethodPatch
	MethodHead    Method = http.MethodHead
	MethodOptions Method = http.MethodOptions
)

// ParseMethod normalises s and rejects methods outside the supported set.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return MethodGet, nil
	}
	m := Method(strings.ToUpper(s))
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead, MethodOptions:
		return m, nil
	}
	return "", &ClientError{
		Type:    ErrorTypeConfiguration,
		Message: "unsupported method " + s,
		Cause:   ErrUnsupportedMethod,
	}
}

// Request describes one call made through Client.
type Request struct {
	URL    string
	Method Method
	Header http.Header
	// Params are encoded into the query string and take part in the signature.
	Params map[string]any
	// Data is the request body. []byte and string are sent verbatim,
	// anything else is JSON encoded.
	Data any
	// Timeout bounds a single dispatch. Zero uses the client default.
	Timeout time.Duration
	// WithCredentials attaches cookies from the client's cookie jar.
	WithCredentials bool
}

// Response is the buffered result of a request. Cached and live responses
// share this shape.
type Response struct {
	Data       []byte      `json:"data" msgpack:"data"`
	Status     int         `json:"status" msgpack:"status"`
	StatusText string      `json:"statusText" msgpack:"statusText"`
	Header     http.Header `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status, StatusText: r.StatusText, Header: r.Header.Clone()}
	if r.Data != nil {
		out.Data = append([]byte(nil), r.Data...)
	}
	return out
}

// Middleware represents a middleware function
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option represents a configuration option
type Option func(*Client)

type contextKey string

const cacheControlKey contextKey = "usekit_cache_control"

// CacheControl overrides cache behaviour for a single request.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// WithCacheControl attaches per-request cache settings to ctx.
func WithCacheControl(ctx context.Context, enabled bool, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: enabled, TTL: ttl})
}

// WithCacheDisabled bypasses the cache for requests issued with ctx.
func WithCacheDisabled(ctx context.Context) context.Context {
	return WithCacheControl(ctx, false, 0)
}

// WithCacheTTL overrides the entry lifetime for requests issued with ctx.
func WithCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return WithCacheControl(ctx, true, ttl)
}

func cacheControlFrom(ctx context.Context) *CacheControl {
	if cc, ok := ctx.Value(cacheControlKey).(*CacheControl); ok {
		return cc
	}
	return nil
}
