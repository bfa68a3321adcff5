// Package usekit provides a request client that runs every call through a
// small interceptor pipeline:
//
//   - An opt-in concurrency gate bounding in-flight requests, queueing the
//     excess in arrival order and cancelling outdated duplicates of the same
//     request
//   - Response caching for GET in memory (TTL + LRU), a persistent file store
//     or a process-lifetime store, with per-request overrides
//   - Token refresh that coalesces concurrent refreshes and re-issues a
//     request once after a 401
//   - Retries with exponential backoff for network failures and retryable
//     statuses
//   - Middleware chain, brotli/gzip decoding, Prometheus metrics and
//     structured debug logging
//
// Typical usage:
//
//	client := usekit.New(
//	    usekit.WithBaseURL("https://api.example.com"),
//	    usekit.WithCache(5*time.Minute),
//	    usekit.WithTokenRefresh(refresh),
//	    usekit.WithConcurrency(6, true),
//	)
//	defer client.Close()
//	resp, err := client.Get(ctx, "/users", map[string]any{"page": 1})
//	if usekit.IsCancelled(err) {
//	    // a newer identical request replaced this one
//	}
//
// A request superseded by a newer duplicate resolves with a Cancelled error
// rather than a result; callers should treat it as "no answer" instead of a
// failure. Configuration can also be loaded from YAML with LoadConfig and
// applied with NewFromConfig.
package usekit
