// Package events delivers component events in order without re-entrancy.
package events

import "sync"

// Serial runs posted functions one at a time, in posting order. A function
// posted while another one runs (from a callback or another goroutine) is
// queued and run by the goroutine currently draining, so callbacks may
// safely call back into the component that emitted them.
type Serial struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
}

// Post queues fn and drains the queue unless a drain is already running.
func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
