package playback

import (
	"context"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/types"
)

// BufferedSource reports what can be played, typically a pipeline
type BufferedSource interface {
	Buffered() []ranges.Range
	Duration() float64
	IsEnded() bool
}

// SimulatedElement is a MediaElement advancing through the ranges of a
// BufferedSource. It stands in for a real decoder in the worker and tests.
type SimulatedElement struct {
	source BufferedSource

	mu          sync.Mutex
	currentTime float64
	rate        float64
	paused      bool
	seeking     bool
	metadata    bool
}

var _ MediaElement = (*SimulatedElement)(nil)

// NewSimulatedElement creates a paused element at position 0
func NewSimulatedElement(source BufferedSource) *SimulatedElement {
	return &SimulatedElement{source: source, rate: 1, paused: true}
}

// LoadMetadata marks the element as having loaded its metadata
func (e *SimulatedElement) LoadMetadata() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metadata = true
}

// Play resumes playback
func (e *SimulatedElement) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// Pause pauses playback
func (e *SimulatedElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Advance moves the position forward by d of wall time, without leaving
// the buffered range it is in. A seek in progress completes once its
// position is buffered.
func (e *SimulatedElement) Advance(d time.Duration) {
	buffered := e.source.Buffered()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seeking {
		if _, ok := ranges.RangeAt(buffered, e.currentTime); !ok {
			return
		}
		e.seeking = false
	}
	if e.paused || e.rate <= 0 {
		return
	}
	left := ranges.LeftSize(buffered, e.currentTime)
	step := d.Seconds() * e.rate
	if step > left {
		step = left
	}
	e.currentTime += step
}

// CurrentTime implements MediaElement
func (e *SimulatedElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTime
}

// SetCurrentTime implements MediaElement
func (e *SimulatedElement) SetCurrentTime(t float64) {
	buffered := e.source.Buffered()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentTime = t
	_, ok := ranges.RangeAt(buffered, t)
	e.seeking = !ok
}

// PlaybackRate implements MediaElement
func (e *SimulatedElement) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SetPlaybackRate implements MediaElement
func (e *SimulatedElement) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
}

// Paused implements MediaElement
func (e *SimulatedElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Ended implements MediaElement
func (e *SimulatedElement) Ended() bool {
	if !e.source.IsEnded() {
		return false
	}
	duration := e.source.Duration()
	e.mu.Lock()
	defer e.mu.Unlock()
	return duration > 0 && e.currentTime >= duration-endOfContentMargin
}

// Seeking implements MediaElement
func (e *SimulatedElement) Seeking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seeking
}

// ReadyState implements MediaElement
func (e *SimulatedElement) ReadyState() int {
	buffered := e.source.Buffered()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.metadata {
		return types.HaveNothing
	}
	left := ranges.LeftSize(buffered, e.currentTime)
	switch {
	case left >= 1:
		return types.HaveEnoughData
	case left > 0:
		return types.HaveFutureData
	default:
		if _, ok := ranges.RangeAt(buffered, e.currentTime); ok {
			return types.HaveCurrentData
		}
		return types.HaveMetadata
	}
}

// Duration implements MediaElement
func (e *SimulatedElement) Duration() float64 {
	return e.source.Duration()
}

// Buffered implements MediaElement
func (e *SimulatedElement) Buffered() []ranges.Range {
	return e.source.Buffered()
}

// RunClock advances el with wall-clock time every interval until ctx is done
func RunClock(ctx context.Context, el *SimulatedElement, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			el.Advance(now.Sub(last))
			last = now
		}
	}
}
