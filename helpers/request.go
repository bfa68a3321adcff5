package helpers

import (
	"context"
	"sync"
)

// RequestState is a snapshot of a Request.
type RequestState[T any] struct {
	Loading bool
	Data    T
	Err     error
	Success bool
}

// Request tracks the loading, data and error state of a repeatable call,
// for callers that render progress rather than wait on a result.
type Request[T any] struct {
	fn        func(context.Context) (T, error)
	onSuccess func(T)
	onError   func(error)

	mu    sync.Mutex
	state RequestState[T]
	gen   uint64
}

// RequestOption configures a Request.
type RequestOption[T any] func(*Request[T])

// OnSuccess registers fn to receive the data of each successful execution.
func OnSuccess[T any](fn func(T)) RequestOption[T] {
	return func(r *Request[T]) { r.onSuccess = fn }
}

// OnError registers fn to receive the error of each failed execution.
func OnError[T any](fn func(error)) RequestOption[T] {
	return func(r *Request[T]) { r.onError = fn }
}

// NewRequest wraps fn. Nothing runs until Execute.
func NewRequest[T any](fn func(context.Context) (T, error), opts ...RequestOption[T]) *Request[T] {
	r := &Request[T]{fn: fn}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the call and records its outcome. Only the most recent
// execution updates the state; an older one still returns its own result.
// Previous data is kept while loading.
func (r *Request[T]) Execute(ctx context.Context) (T, error) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.state.Loading = true
	r.state.Err = nil
	r.mu.Unlock()

	data, err := r.fn(ctx)

	r.mu.Lock()
	current := gen == r.gen
	if current {
		r.state.Loading = false
		if err != nil {
			r.state.Err = err
			r.state.Success = false
		} else {
			r.state.Data = data
			r.state.Success = true
		}
	}
	r.mu.Unlock()

	if current {
		if err != nil && r.onError != nil {
			r.onError(err)
		} else if err == nil && r.onSuccess != nil {
			r.onSuccess(data)
		}
	}
	return data, err
}

// State returns the current snapshot.
func (r *Request[T]) State() RequestState[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset clears the state. An execution still in flight no longer records
// its outcome.
func (r *Request[T]) Reset() {
	r.mu.Lock()
	r.gen++
	r.state = RequestState[T]{}
	r.mu.Unlock()
}
