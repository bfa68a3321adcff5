package usekit

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"
)

// WithBaseURL joins relative request URLs onto base.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithTimeout bounds each dispatch. A request's own Timeout takes precedence.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHeaders merges default headers sent with every request. Request
// headers override them.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		if c.headers == nil {
			c.headers = http.Header{}
		}
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retryCfg.MaxRetries = n
	}
}

// WithRetryDelay sets the delay before the first retry
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryCfg.RetryDelay = d
	}
}

// WithRetryMultiplier sets the factor applied to the delay after each retry
func WithRetryMultiplier(f float64) Option {
	return func(c *Client) {
		c.retryCfg.RetryDelayMultiplier = f
	}
}

// WithMaxRetryDelay caps each retry delay
func WithMaxRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryCfg.MaxDelay = d
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		c.retryCfg.Jitter = min(max(f, 0), 1)
	}
}

// WithBackoffStrategy selects how retry delays grow
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(c *Client) {
		c.retryCfg.Strategy = s
	}
}

// WithRetryableStatusCodes replaces the statuses retried by the default policy
func WithRetryableStatusCodes(codes ...int) Option {
	return func(c *Client) {
		c.retryCfg.RetryableStatusCodes = slices.Clone(codes)
	}
}

// WithRetryPolicy replaces the default retry policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryCfg.ShouldRetry = policy
	}
}

// WithRetryAfter lets Retry-After headers on 429 and 503 set the delay
func WithRetryAfter() Option {
	return func(c *Client) {
		c.retryCfg.RespectRetryAfter = true
	}
}

// WithoutRetry sends every request exactly once
func WithoutRetry() Option {
	return func(c *Client) {
		c.retryCfg.Enabled = false
	}
}

// WithCache enables response caching for GET requests
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheCfg.Enabled = true
		c.cacheCfg.TTL = ttl
	}
}

// WithCacheMode selects where cached responses live
func WithCacheMode(mode CacheMode) Option {
	return func(c *Client) {
		c.cacheCfg.Mode = mode
	}
}

// WithCacheStore backs the local or session cache with store
func WithCacheStore(store Store) Option {
	return func(c *Client) {
		c.cacheCfg.Store = store
	}
}

// withOwnedStore backs the cache with store and closes it with the client.
func withOwnedStore(store interface {
	Store
	io.Closer
}) Option {
	return func(c *Client) {
		c.cacheCfg.Store = store
		c.owned = append(c.owned, store)
	}
}

// WithCachePath sets the file used by the local cache mode
func WithCachePath(path string) Option {
	return func(c *Client) {
		c.cacheCfg.Path = path
	}
}

// WithCacheCapacity bounds the memory cache
func WithCacheCapacity(n int) Option {
	return func(c *Client) {
		c.cacheCfg.Capacity = n
	}
}

// WithCacheKeyFunc sets a custom cache key function
func WithCacheKeyFunc(fn func(*Request) string) Option {
	return func(c *Client) {
		c.cacheCfg.KeyGenerator = fn
	}
}

// WithCacheCleanup sweeps expired memory entries every interval
func WithCacheCleanup(interval time.Duration) Option {
	return func(c *Client) {
		c.cacheCfg.CleanupInterval = interval
	}
}

// WithTokenRefresh enables token refresh with fn
func WithTokenRefresh(fn RefreshFunc) Option {
	return func(c *Client) {
		c.tokenCfg.Enabled = true
		c.tokenCfg.RefreshToken = fn
	}
}

// WithTokenConfig sets the full token refresh configuration
func WithTokenConfig(cfg TokenRefreshConfig) Option {
	return func(c *Client) {
		c.tokenCfg = cfg
	}
}

// WithTokenStore keeps the access token in store
func WithTokenStore(store Store) Option {
	return func(c *Client) {
		c.tokenStore = store
	}
}

// WithConcurrency enables the gate, bounds in-flight requests and toggles
// duplicate cancellation
func WithConcurrency(maxConcurrent int, cancelDuplicates bool) Option {
	return func(c *Client) {
		c.gateCfg = GateConfig{Enabled: true, MaxConcurrent: maxConcurrent, CancelDuplicates: cancelDuplicates}
	}
}

// WithoutConcurrencyLimit disables the gate's bound and duplicate cancellation
func WithoutConcurrencyLimit() Option {
	return func(c *Client) {
		c.gateCfg = GateConfig{}
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCookieJar supplies cookies to requests sent with WithCredentials
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) {
		c.jar = jar
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validateTokenConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeConfiguration,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errors []string
	cfg := c.retryCfg

	if cfg.MaxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}
	if cfg.RetryDelay < 0 {
		errors = append(errors, "retryDelay must be non-negative")
	}
	if cfg.RetryDelayMultiplier <= 0 {
		errors = append(errors, "retryDelayMultiplier must be positive")
	}
	if cfg.MaxDelay < 0 {
		errors = append(errors, "maxDelay must be non-negative")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.RetryDelay {
		errors = append(errors, "maxDelay must be greater than or equal to retryDelay")
	}
	for _, code := range cfg.RetryableStatusCodes {
		if code < 100 || code > 599 {
			errors = append(errors, fmt.Sprintf("retryable status code %d is not an HTTP status", code))
		}
	}
	if c.timeout < 0 {
		errors = append(errors, "timeout must be non-negative")
	}

	return errors
}

func (c *Client) validateCacheConfig() []string {
	var errors []string

	if c.cacheCfg.TTL < 0 {
		errors = append(errors, "cache ttl must be non-negative")
	}
	switch c.cacheCfg.Mode {
	case "", CacheModeMemory, CacheModeLocal, CacheModeSession:
	default:
		errors = append(errors, fmt.Sprintf("unknown cache mode %q", c.cacheCfg.Mode))
	}

	return errors
}

func (c *Client) validateTokenConfig() []string {
	var errors []string

	if c.tokenCfg.Enabled && c.tokenCfg.RefreshToken == nil {
		errors = append(errors, "token refresh is enabled without a refresh function")
	}

	return errors
}

func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen == nil {
		errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
	}

	return errors
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.retryCfg.MaxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.retryCfg.RetryDelay > 10*time.Minute {
		errors = append(errors, "retryDelay > 10m may cause very long delays")
	}
	if c.retryCfg.MaxDelay > time.Hour {
		errors = append(errors, "maxDelay > 1h may cause extremely long delays")
	}
	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}
	if c.cacheCfg.Enabled && c.cacheCfg.TTL > 24*time.Hour {
		errors = append(errors, "cache ttl > 24h may cause stale data issues")
	}

	return errors
}
