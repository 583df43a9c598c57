package fetch

import (
	"context"
	"sync"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/types"
)

// Request is a segment request created by a Fetcher
type Request struct {
	id        string
	ctx       context.Context
	content   types.SegmentContext
	callbacks types.RequestCallbacks

	// guarded by the Fetcher's mutex
	priority int
	seq      uint64

	once sync.Once
	done chan struct{}
	err  error
}

var _ types.PendingRequest = (*Request)(nil)

// ID returns the request id
func (r *Request) ID() string {
	return r.id
}

// Done is closed once the request ended
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal error, nil on success. It must be called after Done.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// before orders waiting requests by priority, then creation order
func (r *Request) before(other *Request) bool {
	if r.priority != other.priority {
		return r.priority < other.priority
	}
	return r.seq < other.seq
}

func (r *Request) interrupt() {
	r.once.Do(func() {
		if cb := r.callbacks.BeforeInterrupted; cb != nil {
			cb()
		}
		r.err = errors.NewCanceledError(r.ctx.Err())
		close(r.done)
	})
}

func (r *Request) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}
