// Package future provides a single-assignment asynchronous result handle.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the failure recorded by Cancel when no cause is given.
var ErrCancelled = errors.New("future: cancelled")

// Future is completed exactly once, either with a value or an error. Every
// later completion attempt is a no-op that reports false.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Complete resolves f with v.
func (f *Future[T]) Complete(v T) bool { return f.settle(v, nil) }

// Fail resolves f with err. A nil err is replaced by ErrCancelled.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = ErrCancelled
	}
	var zero T
	return f.settle(zero, err)
}

// Cancel fails f with cause, or ErrCancelled when cause is nil.
func (f *Future[T]) Cancel(cause error) bool { return f.Fail(cause) }

// Done is closed once f is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Resolved reports whether f has been completed or failed.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until f resolves or ctx ends. A ctx error leaves f pending;
// the caller owns cleaning up whatever registration would complete it.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
