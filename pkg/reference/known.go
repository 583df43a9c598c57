package reference

import (
	"context"
	"sync"
)

type onceListener[T any] struct {
	ctx context.Context
	fn  func(T)
}

// Known is a write-once cell. Consumers either block in Wait or register a
// callback with OnceSet; neither polls.
type Known[T any] struct {
	mu      sync.Mutex
	set     bool
	value   T
	done    chan struct{}
	waiters []onceListener[T]
}

// NewKnown creates an unset cell.
func NewKnown[T any]() *Known[T] {
	return &Known[T]{done: make(chan struct{})}
}

// Set stores v if the cell is unset and releases every waiter, in
// registration order. It returns false when the cell was already set.
func (k *Known[T]) Set(v T) bool {
	k.mu.Lock()
	if k.set {
		k.mu.Unlock()
		return false
	}
	k.set = true
	k.value = v
	waiters := k.waiters
	k.waiters = nil
	close(k.done)
	k.mu.Unlock()

	for _, w := range waiters {
		if w.ctx.Err() != nil {
			continue
		}
		w.fn(v)
	}
	return true
}

// Get returns the value and whether it has been set.
func (k *Known[T]) Get() (T, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.value, k.set
}

// IsSet reports whether the value is known.
func (k *Known[T]) IsSet() bool {
	_, ok := k.Get()
	return ok
}

// Wait blocks until the value is set or ctx is done.
func (k *Known[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-k.done:
		v, _ := k.Get()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnceSet calls fn with the value once it is known, synchronously if it
// already is. fn is never called after ctx is done.
func (k *Known[T]) OnceSet(ctx context.Context, fn func(T)) {
	k.mu.Lock()
	if k.set {
		v := k.value
		k.mu.Unlock()
		if ctx.Err() == nil {
			fn(v)
		}
		return
	}
	k.waiters = append(k.waiters, onceListener[T]{ctx: ctx, fn: fn})
	k.mu.Unlock()
}
