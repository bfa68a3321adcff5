package usekit

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request pipeline.
// A nil collector is valid and records nothing. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec
	cacheEvictions *prometheus.CounterVec

	gateActive      prometheus.Gauge
	gateQueued      prometheus.Gauge
	supersededTotal *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	refreshDuration prometheus.Histogram

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_requests_total",
				Help: "Total number of requests completed",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usekit_request_duration_seconds",
				Help:    "Duration of requests in seconds, including queueing and retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "usekit_requests_in_flight",
				Help: "Number of requests currently in the pipeline",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "usekit_cache_size",
				Help: "Current number of entries in the memory cache",
			},
			[]string{"name"},
		),
		cacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_cache_evictions_total",
				Help: "Total number of cache entries evicted",
			},
			[]string{"reason"},
		),
		gateActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "usekit_gate_active",
				Help: "Requests currently holding a concurrency slot",
			},
		),
		gateQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "usekit_gate_queued",
				Help: "Requests waiting for a concurrency slot",
			},
		),
		supersededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_superseded_total",
				Help: "Total number of requests cancelled by a newer duplicate",
			},
			[]string{"method", "endpoint"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_token_refreshes_total",
				Help: "Total number of token refresh calls",
			},
			[]string{"result"},
		),
		refreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usekit_token_refresh_duration_seconds",
				Help:    "Duration of token refresh calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usekit_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordCacheEviction counts an entry leaving the memory cache.
func (mc *MetricsCollector) RecordCacheEviction(reason EvictReason) {
	if mc == nil {
		return
	}

	mc.cacheEvictions.WithLabelValues(reason.String()).Inc()
}

// RecordGate sets the concurrency gauges.
func (mc *MetricsCollector) RecordGate(active, queued int) {
	if mc == nil {
		return
	}

	mc.gateActive.Set(float64(active))
	mc.gateQueued.Set(float64(queued))
}

// RecordSuperseded counts a request replaced by a newer duplicate.
func (mc *MetricsCollector) RecordSuperseded(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.supersededTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordTokenRefresh counts a refresh call by outcome.
func (mc *MetricsCollector) RecordTokenRefresh(err error, duration time.Duration) {
	if mc == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	mc.tokenRefreshes.WithLabelValues(result).Inc()
	mc.refreshDuration.Observe(duration.Seconds())
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// GetRegistry returns the underlying registry when the collector was built
// on a *prometheus.Registry, nil otherwise.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	reg, _ := mc.registry.(*prometheus.Registry)
	return reg
}
