// Package reference provides observable values shared between components of
// a playback session.
package reference

import (
	"context"
	"sync"
)

type listener[T any] struct {
	ctx context.Context
	fn  func(T)
}

// Ref is a mutable value whose updates are pushed to listeners, in
// registration order. Listeners are removed when their context is done.
type Ref[T any] struct {
	mu        sync.Mutex
	value     T
	listeners []*listener[T]
	finished  bool
}

// NewRef creates a Ref holding the initial value.
func NewRef[T any](initial T) *Ref[T] {
	return &Ref[T]{value: initial}
}

// Get returns the current value.
func (r *Ref[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Set replaces the value and notifies every listener.
func (r *Ref[T]) Set(v T) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.value = v
	ls := make([]*listener[T], len(r.listeners))
	copy(ls, r.listeners)
	r.mu.Unlock()

	for _, l := range ls {
		if l.ctx.Err() != nil {
			continue
		}
		l.fn(v)
	}
}

// OnUpdate registers fn until ctx is done. With emitCurrent, fn is first
// called synchronously with the current value.
func (r *Ref[T]) OnUpdate(ctx context.Context, fn func(T), emitCurrent bool) {
	if ctx.Err() != nil {
		return
	}
	l := &listener[T]{ctx: ctx, fn: fn}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	current := r.value
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	context.AfterFunc(ctx, func() { r.remove(l) })

	if emitCurrent {
		fn(current)
	}
}

// ListenerCount returns the number of registered listeners.
func (r *Ref[T]) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.listeners {
		if l.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// Finish freezes the value and drops every listener.
func (r *Ref[T]) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.listeners = nil
}

func (r *Ref[T]) remove(target *listener[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == target {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}
