package session

import (
	"context"
	"sync"
)

// Result is a one-shot handle completed exactly once by its producer.
type Result[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Resolve completes r with value. It reports false if r was already completed.
func (r *Result[T]) Resolve(value T) bool {
	return r.complete(value, nil)
}

// Reject completes r with err. It reports false if r was already completed.
func (r *Result[T]) Reject(err error) bool {
	var zero T
	return r.complete(zero, err)
}

func (r *Result[T]) complete(value T, err error) bool {
	completed := false
	r.once.Do(func() {
		r.value, r.err = value, err
		close(r.done)
		completed = true
	})
	return completed
}

// Done is closed once r is completed.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until r is completed or ctx is done.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the outcome without blocking. done is false while r is pending.
func (r *Result[T]) Poll() (value T, done bool, err error) {
	select {
	case <-r.done:
		return r.value, true, r.err
	default:
		return value, false, nil
	}
}
