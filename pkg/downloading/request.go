package downloading

import (
	"context"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/types"
)

// request is one in-flight segment request. Once aborted, nothing it
// produces is emitted; once complete, aborting it is a no-op.
type request struct {
	segment   types.Segment
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu        sync.Mutex
	priority  int
	pending   types.PendingRequest
	aborted   bool
	completed bool
}

func newRequest(parent context.Context, qs types.QueuedSegment) *request {
	ctx, cancel := context.WithCancel(parent)
	return &request{
		segment:   qs.Segment,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		priority:  qs.Priority,
	}
}

func (r *request) setPending(p types.PendingRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = p
}

func (r *request) getPending() types.PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// updatePriority stores p and reports whether it changed
func (r *request) updatePriority(p int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.priority == p {
		return false
	}
	r.priority = p
	return true
}

// abort cancels the request unless it already completed. Safe on nil.
func (r *request) abort() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.completed || r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	r.mu.Unlock()
	r.cancel()
}

// complete marks the request as done. It returns false if it was aborted first.
func (r *request) complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return false
	}
	r.completed = true
	r.cancel()
	return true
}

func (r *request) isAborted() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}
