package usekit

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tankan/usekit/internal/backoff"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

const (
	// ExponentialBackoff waits RetryDelay * RetryDelayMultiplier^attempt.
	ExponentialBackoff BackoffStrategy = iota
	// DecorrelatedJitter spreads retries randomly between RetryDelay and
	// RetryDelay*3^attempt.
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialBackoff:
		return "exponential"
	case DecorrelatedJitter:
		return "decorrelated"
	default:
		return "unknown"
	}
}

// RetryPolicy decides whether the failure of the given zero-based attempt
// deserves another try.
type RetryPolicy func(err error, attempt int) bool

// RetryConfig configures a Retryer.
type RetryConfig struct {
	Enabled              bool
	MaxRetries           int
	RetryDelay           time.Duration
	RetryDelayMultiplier float64
	// MaxDelay caps each delay. Zero leaves delays uncapped.
	MaxDelay time.Duration
	// Jitter adds up to Jitter*delay of random spread.
	Jitter               float64
	Strategy             BackoffStrategy
	RetryableStatusCodes []int
	// ShouldRetry replaces the default policy when set.
	ShouldRetry RetryPolicy
	// RespectRetryAfter lets a Retry-After header on 429/503 replace the
	// computed delay.
	RespectRetryAfter bool
}

// DefaultRetryableStatusCodes are retried by the default policy.
var DefaultRetryableStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// DefaultRetryConfig returns three retries starting at one second and
// doubling each time.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:              true,
		MaxRetries:           3,
		RetryDelay:           time.Second,
		RetryDelayMultiplier: 2,
		RetryableStatusCodes: slices.Clone(DefaultRetryableStatusCodes),
	}
}

// Retryer re-runs a failing operation with exponential backoff.
type Retryer struct {
	cfg      RetryConfig
	strategy backoff.Strategy
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(attempt int, delay time.Duration, err error)
}

// NewRetryer builds a Retryer from cfg.
func NewRetryer(cfg RetryConfig) *Retryer {
	if cfg.RetryableStatusCodes == nil {
		cfg.RetryableStatusCodes = slices.Clone(DefaultRetryableStatusCodes)
	}
	r := &Retryer{cfg: cfg, sleep: sleepContext}
	switch cfg.Strategy {
	case DecorrelatedJitter:
		r.strategy = backoff.Decorrelated{}
	default:
		r.strategy = backoff.Exponential{}
	}
	return r
}

// Config returns a copy of the active configuration.
func (r *Retryer) Config() RetryConfig {
	return r.cfg
}

// OnRetry registers a hook invoked before each backoff sleep. attempt is
// the index of the retry about to run, starting at 1.
func (r *Retryer) OnRetry(fn func(attempt int, delay time.Duration, err error)) {
	r.onRetry = fn
}

// Delay returns the wait before retry number attempt+1.
func (r *Retryer) Delay(attempt int) time.Duration {
	return r.strategy.Delay(attempt, backoff.Params{
		Base:       r.cfg.RetryDelay,
		Max:        r.cfg.MaxDelay,
		Multiplier: r.cfg.RetryDelayMultiplier,
		Jitter:     r.cfg.Jitter,
	})
}

// ShouldRetry applies the configured policy to the failure of attempt.
// Cancelled requests are never retried and no policy, custom or default,
// runs past MaxRetries.
func (r *Retryer) ShouldRetry(err error, attempt int) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	if attempt >= r.cfg.MaxRetries {
		return false
	}
	return r.policyRetries(err, attempt)
}

// policyRetries asks the custom policy, or the default classification,
// without looking at the attempt cap.
func (r *Retryer) policyRetries(err error, attempt int) bool {
	if r.cfg.ShouldRetry != nil {
		return r.cfg.ShouldRetry(err, attempt)
	}
	return r.retryableClass(err)
}

// retryableClass reports whether err is the kind of failure the default
// policy retries, ignoring how many attempts were made.
func (r *Retryer) retryableClass(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork:
			return true
		case ErrorTypeHTTPStatus:
			return slices.Contains(r.cfg.RetryableStatusCodes, clientErr.StatusCode)
		default:
			return false
		}
	}
	// Unclassified errors come from the transport.
	return !errors.Is(err, context.Canceled)
}

// Execute runs op up to 1+MaxRetries times. A failure that is still
// retryable when the retries run out is wrapped in an Exhausted
// ClientError; any other failure is returned as is.
func (r *Retryer) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !r.cfg.Enabled {
		return op(ctx)
	}

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return cancelledFrom(ctx, err)
		}
		if !r.ShouldRetry(err, attempt) {
			if attempt > 0 && attempt >= r.cfg.MaxRetries && !IsCancelled(err) && r.policyRetries(err, attempt) {
				return &ClientError{
					Type:       ErrorTypeExhausted,
					Message:    "retries exhausted",
					Cause:      err,
					StatusCode: StatusCode(err),
					Attempt:    attempt,
					MaxRetries: r.cfg.MaxRetries,
					Timestamp:  time.Now(),
				}
			}
			return err
		}

		delay := r.Delay(attempt)
		if r.cfg.RespectRetryAfter {
			if d := retryAfterFrom(err); d > 0 {
				delay = d
			}
		}
		if r.onRetry != nil {
			r.onRetry(attempt+1, delay, err)
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return cancelledFrom(ctx, err)
		}
	}
}

func cancelledFrom(ctx context.Context, last error) error {
	if isCancelledType(last) {
		return last
	}
	cause := context.Cause(ctx)
	if cause == nil {
		cause = last
	}
	return newCancelledError(cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryAfterFrom(err error) time.Duration {
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Response == nil {
		return 0
	}
	switch clientErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return parseRetryAfter(clientErr.Response.Header.Get("Retry-After"))
	}
	return 0
}

// parseRetryAfter accepts delay-seconds or an HTTP date, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			return min(time.Duration(seconds)*time.Second, time.Hour)
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return min(delay, time.Hour)
		}
	}

	return 0
}
