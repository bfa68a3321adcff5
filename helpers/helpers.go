// Package helpers holds small generic utilities used alongside the client,
// such as call rate shaping, deep copies, context-aware sleeping and request
// state tracking.
package helpers

import (
	"context"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Debounce returns a function that delays calling fn until delay has passed
// without another call. Only the last argument is delivered. stop cancels a
// pending call.
func Debounce[T any](fn func(T), delay time.Duration) (call func(T), stop func()) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)

	call = func(arg T) {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() { fn(arg) })
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	return call, stop
}

// Throttle returns a function that calls fn at most once per interval,
// dropping calls in between. It reports whether fn ran.
func Throttle[T any](fn func(T), interval time.Duration) func(T) bool {
	var (
		mu   sync.Mutex
		last time.Time
	)

	return func(arg T) bool {
		mu.Lock()
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < interval {
			mu.Unlock()
			return false
		}
		last = now
		mu.Unlock()

		fn(arg)
		return true
	}
}

// DeepClone returns an independent copy of v by round-tripping it through
// msgpack. Only exported fields survive; time values keep their instant.
func DeepClone[T any](v T) (T, error) {
	var out T
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Sleep pauses for d or until ctx is done, returning ctx's error in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
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
