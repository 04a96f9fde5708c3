package wren

import (
	"context"
	"sync"

	"wren/engine"
)

// Request is a one-shot awaitable result. It settles exactly once;
// later settlements are dropped. The zero value is unusable, requests
// come from the operations that issue them.
type Request[T any] struct {
	mu     sync.Mutex
	done   bool
	result T
	err    error
	ch     chan struct{}
}

func newRequest[T any]() *Request[T] {
	return &Request[T]{ch: make(chan struct{})}
}

func failedRequest[T any](err error) *Request[T] {
	r := newRequest[T]()
	var zero T
	r.settle(zero, err)
	return r
}

func (r *Request[T]) settle(result T, err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.result = result
	r.err = err
	r.mu.Unlock()
	close(r.ch)
}

// Await blocks until the request settles or ctx is done. A ctx error
// does not settle the request; Await may be called again.
func (r *Request[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-r.ch:
		return r.result, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the request has settled.
func (r *Request[T]) Done() <-chan struct{} {
	return r.ch
}

// Result is the settled outcome. The zero value and nil before
// settlement; poll Done or use Await to know it is ready.
func (r *Request[T]) Result() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

func (r *Request[T]) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// bridge adapts a host completion signal into a Request, converting
// the raw payload with conv. A non-nil err short-circuits into an
// already-failed request, so callers can pass an operation's (Req,
// error) pair through unchecked.
func bridge[T any](req engine.Req, err error, conv func(res any) (T, error)) *Request[T] {
	if err != nil {
		return failedRequest[T](err)
	}
	r := newRequest[T]()
	req.Listen(
		func(res any) {
			v, cerr := conv(res)
			if cerr != nil {
				var zero T
				r.settle(zero, cerr)
				return
			}
			r.settle(v, nil)
		},
		func(e error) {
			var zero T
			r.settle(zero, e)
		},
	)
	return r
}
