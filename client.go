package usekit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Client runs every request through a pipeline of concurrency gating,
// duplicate cancellation, response caching, token refresh and retries
// around the standard net/http Client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	headers    http.Header
	middleware []Middleware
	jar        http.CookieJar

	retryCfg   RetryConfig
	cacheCfg   CacheConfig
	tokenCfg   TokenRefreshConfig
	tokenStore Store
	gateCfg    GateConfig

	retryer *Retryer
	cache   *CacheInterceptor
	tokens  *TokenRefresher
	gate    *Gate

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	stopJanitor     context.CancelFunc
	owned           []io.Closer
	closed          atomic.Bool
	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{},
		timeout:    30 * time.Second,
		headers:    defaultHeaders(),
		retryCfg:   DefaultRetryConfig(),
		cacheCfg:   DefaultCacheConfig(),
		tokenCfg:   DefaultTokenRefreshConfig(),
		gateCfg:    DefaultGateConfig(),
		debug:      DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if client.debug == nil {
		client.debug = DefaultDebugConfig()
	}
	if client.debug.Enabled && client.logger == nil {
		client.logger = NewSimpleLogger()
	}
	client.logger = orNop(client.logger)

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
		return client
	}
	if err := client.build(); err != nil {
		client.validationError = err
	}
	return client
}

func defaultHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", UserAgent())
	return h
}

// build wires the pipeline components from the collected configuration.
func (c *Client) build() error {
	cache, err := NewCacheInterceptor(c.cacheCfg)
	if err != nil {
		return &ClientError{Type: ErrorTypeConfiguration, Message: "cache setup failed", Cause: err, Timestamp: time.Now()}
	}
	cache.logger = c.logger
	if mem := cache.Memory(); mem != nil {
		mem.OnEvict(func(_ string, reason EvictReason) {
			c.metrics.RecordCacheEviction(reason)
		})
		if c.cacheCfg.Enabled && c.cacheCfg.CleanupInterval > 0 {
			ctx, cancel := context.WithCancel(context.Background())
			c.stopJanitor = cancel
			mem.StartJanitor(ctx, c.cacheCfg.CleanupInterval)
		}
	}
	c.cache = cache

	// Tokens share the cache's backend unless a store was given.
	store := c.tokenStore
	if store == nil {
		store = cache.store
	}
	c.tokens = NewTokenRefresher(c.tokenCfg, store)
	c.tokens.logger = c.logger
	if c.metrics != nil {
		c.tokens.onRefresh = c.metrics.RecordTokenRefresh
	}

	c.retryer = NewRetryer(c.retryCfg)

	c.gate = NewGate(c.gateCfg)
	if c.metrics != nil {
		c.gate.OnUpdate(c.metrics.RecordGate)
	}
	return nil
}

// Request sends req through the pipeline. A request replaced by a newer
// duplicate, or dropped by Close, returns a Cancelled *ClientError for
// which IsCancelled reports true.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, &ClientError{Type: ErrorTypeConfiguration, Message: "client closed", Cause: ErrClientClosed, Timestamp: time.Now()}
	}
	if c.validationError != nil {
		return nil, c.validationError
	}
	if req == nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "nil request", Timestamp: time.Now()}
	}

	method, err := ParseMethod(string(req.Method))
	if err != nil {
		return nil, err
	}
	r := *req
	r.Method = method

	start := time.Now()
	requestID := ""
	if c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	endpoint := endpointOf(c.resolveURL(r.URL))

	if c.debug.Enabled && c.debug.LogRequests {
		c.logger.Debug("Starting request", "requestID", requestID, "method", method, "url", r.URL, "endpoint", endpoint)
	}
	c.metrics.RecordRequestStart(string(method), endpoint)

	resp, err := c.run(ctx, &r, requestID, endpoint)

	duration := time.Since(start)
	c.metrics.RecordRequestEnd(string(method), endpoint)
	status := StatusCode(err)
	if resp != nil {
		status = resp.Status
	}
	c.metrics.RecordRequest(string(method), endpoint, status, duration)

	if err != nil {
		// Annotate a copy; coalesced refresh failures share one error value.
		if ce, ok := err.(*ClientError); ok {
			clientErr := *ce
			if clientErr.RequestID == "" {
				clientErr.RequestID = requestID
			}
			if clientErr.Method == "" {
				clientErr.Method = string(method)
			}
			if clientErr.URL == "" {
				clientErr.URL = r.URL
			}
			if clientErr.Endpoint == "" {
				clientErr.Endpoint = endpoint
			}
			clientErr.Duration = duration
			c.metrics.RecordError(clientErr.Type, string(method), endpoint)
			err = &clientErr
		}
		if c.debug.Enabled && c.debug.LogRequests {
			c.logger.Debug("Request failed", "requestID", requestID, "endpoint", endpoint, "duration", duration, "error", err)
		}
		return nil, err
	}

	if c.debug.Enabled && c.debug.LogRequests {
		c.logger.Debug("Request completed", "requestID", requestID, "endpoint", endpoint, "status", resp.Status, "duration", duration)
	}
	return resp, nil
}

func (c *Client) run(ctx context.Context, req *Request, requestID, endpoint string) (*Response, error) {
	method := string(req.Method)
	ticket, err := c.gate.Admit(ctx, Signature(req))
	if err != nil {
		c.recordCancel(err, method, endpoint)
		return nil, err
	}
	defer c.gate.Release(ticket)
	tctx := ticket.Context()

	if c.debug.Enabled && c.debug.LogGate {
		c.logger.Debug("Admitted", "requestID", requestID, "active", c.gate.Active(), "queued", c.gate.Queued())
	}

	if c.cache.Cacheable(tctx, req) {
		if resp, ok := c.cache.Get(tctx, req); ok {
			c.metrics.RecordCacheHit(method, endpoint)
			if c.debug.Enabled && c.debug.LogCache {
				c.logger.Debug("Cache hit", "requestID", requestID, "cacheKey", c.cache.Key(req))
			}
			return resp, nil
		}
		c.metrics.RecordCacheMiss(method, endpoint)
		if c.debug.Enabled && c.debug.LogCache {
			c.logger.Debug("Cache miss", "requestID", requestID, "cacheKey", c.cache.Key(req))
		}
	}

	if err := c.tokens.EnsureValid(tctx); err != nil {
		return nil, c.settle(ticket, err, method, endpoint)
	}

	resp, err := c.dispatchWithRetry(tctx, req, requestID, endpoint)
	if err != nil && c.tokens.ShouldRefresh(err) {
		if c.debug.Enabled && c.debug.LogToken {
			c.logger.Info("Refreshing token", "requestID", requestID, "status", StatusCode(err))
		}
		if _, rerr := c.tokens.Refresh(tctx); rerr != nil {
			return nil, c.settle(ticket, rerr, method, endpoint)
		}
		resp, err = c.dispatchWithRetry(tctx, req, requestID, endpoint)
	}

	// A superseded or cleared ticket never hands back its result.
	if tctx.Err() != nil {
		return nil, c.settle(ticket, err, method, endpoint)
	}
	if err != nil {
		return nil, err
	}

	if c.cache.Cacheable(tctx, req) {
		c.cache.Set(tctx, req, resp)
		if n, ok := c.cache.Len(); ok {
			c.metrics.RecordCacheSize(string(c.cache.Mode()), n)
		}
		if c.debug.Enabled && c.debug.LogCache {
			c.logger.Debug("Response cached", "requestID", requestID, "cacheKey", c.cache.Key(req))
		}
	}
	return resp, nil
}

// settle turns err into a Cancelled error when the ticket was cancelled.
func (c *Client) settle(t *Ticket, err error, method, endpoint string) error {
	if t.Context().Err() != nil && !isCancelledType(err) {
		err = newCancelledError(context.Cause(t.Context()))
	}
	c.recordCancel(err, method, endpoint)
	return err
}

func (c *Client) recordCancel(err error, method, endpoint string) {
	if !errors.Is(err, ErrSuperseded) {
		return
	}
	c.metrics.RecordSuperseded(method, endpoint)
	if c.debug.Enabled && c.debug.LogGate {
		c.logger.Debug("Superseded by duplicate", "method", method, "endpoint", endpoint)
	}
}

func (c *Client) dispatchWithRetry(ctx context.Context, req *Request, requestID, endpoint string) (*Response, error) {
	var resp *Response
	attempt := 0
	err := c.retryer.Execute(ctx, func(ctx context.Context) error {
		if attempt > 0 {
			c.metrics.RecordRetry(string(req.Method), endpoint, attempt)
			if c.debug.Enabled && c.debug.LogRetries {
				c.logger.Info("Retry attempt", "requestID", requestID, "attempt", attempt, "maxRetries", c.retryCfg.MaxRetries, "endpoint", endpoint)
			}
		}
		attempt++

		r, err := c.dispatch(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatch performs one HTTP exchange. The body is encoded afresh on every
// call so retried attempts send the same payload.
func (c *Client) dispatch(ctx context.Context, req *Request) (*Response, error) {
	target := c.resolveURL(req.URL)
	if qs := queryString(req.Params); qs != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + qs
	}

	body, err := encodeBody(req.Data)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "request body encoding failed", Cause: err, Timestamp: time.Now()}
	}

	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hreq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeConfiguration, Message: "invalid request", Cause: err, Timestamp: time.Now()}
	}
	for k, vs := range c.headers {
		hreq.Header[k] = append([]string(nil), vs...)
	}
	if body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	c.tokens.Authorize(ctx, hreq)
	for k, vs := range req.Header {
		hreq.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	if req.WithCredentials && c.jar != nil {
		for _, ck := range c.jar.Cookies(hreq.URL) {
			hreq.AddCookie(ck)
		}
	}

	hresp, err := c.executeMiddleware(hreq)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeNetwork, Message: "network request failed", Cause: err, Timestamp: time.Now()}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeNetwork, Message: "reading response body failed", Cause: err, Timestamp: time.Now()}
	}
	if req.WithCredentials && c.jar != nil {
		if cookies := hresp.Cookies(); len(cookies) > 0 {
			c.jar.SetCookies(hreq.URL, cookies)
		}
	}

	resp := &Response{
		Data:       data,
		Status:     hresp.StatusCode,
		StatusText: http.StatusText(hresp.StatusCode),
		Header:     hresp.Header,
	}
	if !resp.OK() {
		return nil, newHTTPStatusError(resp)
	}
	return resp, nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func (c *Client) resolveURL(raw string) string {
	if c.baseURL == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if raw == "" {
		return c.baseURL
	}
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(raw, "/")
}

func encodeBody(data any) (io.Reader, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(v), nil
	case string:
		return strings.NewReader(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(raw), nil
	}
}

// Get issues a GET with params encoded into the query string.
func (c *Client) Get(ctx context.Context, url string, params map[string]any) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodGet, Params: params})
}

// Post issues a POST with data as the body.
func (c *Client) Post(ctx context.Context, url string, data any) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodPost, Data: data})
}

// Put issues a PUT with data as the body.
func (c *Client) Put(ctx context.Context, url string, data any) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodPut, Data: data})
}

// Patch issues a PATCH with data as the body.
func (c *Client) Patch(ctx context.Context, url string, data any) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodPatch, Data: data})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodDelete})
}

// Head issues a HEAD.
func (c *Client) Head(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodHead})
}

// Options issues an OPTIONS.
func (c *Client) Options(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, &Request{URL: url, Method: MethodOptions})
}

// GetJSON issues a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, params map[string]any, out any) error {
	resp, err := c.Get(ctx, url, params)
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// PostJSON issues a POST with data JSON encoded and decodes the reply into out.
// A nil out discards the body.
func (c *Client) PostJSON(ctx context.Context, url string, data, out any) error {
	resp, err := c.Post(ctx, url, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeInto(resp, out)
}

func decodeInto(resp *Response, out any) error {
	if err := resp.Decode(out); err != nil {
		return &ClientError{Type: ErrorTypeValidation, Message: fmt.Sprintf("decoding %d response", resp.Status), Cause: err, Timestamp: time.Now()}
	}
	return nil
}

// Gate returns the concurrency gate, nil when validation failed.
func (c *Client) Gate() *Gate { return c.gate }

// Cache returns the cache interceptor, nil when validation failed.
func (c *Client) Cache() *CacheInterceptor { return c.cache }

// Tokens returns the token refresher, nil when validation failed.
func (c *Client) Tokens() *TokenRefresher { return c.tokens }

// Close cancels every pending request and stops background cache cleanup.
// Later requests fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.gate != nil {
		c.gate.Clear()
	}
	if c.stopJanitor != nil {
		c.stopJanitor()
	}
	var errs []error
	for _, closer := range c.owned {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func endpointOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		if !strings.HasPrefix(u.Path, "/") {
			builder.WriteByte('/')
		}
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}
