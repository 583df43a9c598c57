package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/types"
)

type fakeElement struct {
	mu         sync.Mutex
	time       float64
	rate       float64
	paused     bool
	ended      bool
	seeking    bool
	readyState int
	duration   float64
	buffered   []ranges.Range
	seeks      []float64
}

func (e *fakeElement) CurrentTime() float64 { e.mu.Lock(); defer e.mu.Unlock(); return e.time }
func (e *fakeElement) PlaybackRate() float64 { e.mu.Lock(); defer e.mu.Unlock(); return e.rate }
func (e *fakeElement) Paused() bool          { e.mu.Lock(); defer e.mu.Unlock(); return e.paused }
func (e *fakeElement) Ended() bool           { e.mu.Lock(); defer e.mu.Unlock(); return e.ended }
func (e *fakeElement) Seeking() bool         { e.mu.Lock(); defer e.mu.Unlock(); return e.seeking }
func (e *fakeElement) ReadyState() int       { e.mu.Lock(); defer e.mu.Unlock(); return e.readyState }
func (e *fakeElement) Duration() float64     { e.mu.Lock(); defer e.mu.Unlock(); return e.duration }

func (e *fakeElement) Buffered() []ranges.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ranges.Clone(e.buffered)
}

func (e *fakeElement) SetCurrentTime(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.time = t
	e.seeks = append(e.seeks, t)
}

func (e *fakeElement) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
}

func (e *fakeElement) set(fn func(e *fakeElement)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func playingElement() *fakeElement {
	return &fakeElement{
		rate:       1,
		readyState: types.HaveEnoughData,
		duration:   100,
		buffered:   []ranges.Range{{Start: 0, End: 30}},
	}
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newTestObserver(el MediaElement) (*Observer, *clock) {
	c := &clock{now: time.Unix(1000, 0)}
	o := New(el, Options{Logger: logger.NewDiscardLogger(), Now: c.Now})
	return o, c
}

func TestObserverListenIncludeLast(t *testing.T) {
	o, _ := newTestObserver(playingElement())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []types.Observation
	o.Listen(ctx, func(obs types.Observation) { got = append(got, obs) }, true)
	assert.Empty(t, got, "nothing observed yet")

	_, ok := o.LastObservation()
	assert.False(t, ok)

	o.Tick()
	require.Len(t, got, 1)

	var late []types.Observation
	o.Listen(ctx, func(obs types.Observation) { late = append(late, obs) }, true)
	require.Len(t, late, 1)

	cancel()
	o.Tick()
	assert.Len(t, got, 1)
	assert.Len(t, late, 1)

	last, ok := o.LastObservation()
	require.True(t, ok)
	assert.Equal(t, types.HaveEnoughData, last.ReadyState)
}

func TestObserverRebuffering(t *testing.T) {
	el := playingElement()
	el.time = 29.8
	o, c := newTestObserver(el)

	obs := o.Tick()
	require.NotNil(t, obs.Rebuffering)
	assert.Equal(t, types.StallBuffering, obs.Rebuffering.Reason)
	assert.InDelta(t, 29.8, *obs.Rebuffering.Position, 1e-9)
	started := obs.Rebuffering.Timestamp

	// More data, but not enough to resume
	el.set(func(e *fakeElement) { e.buffered = []ranges.Range{{Start: 0, End: 32}} })
	c.now = c.now.Add(time.Second)
	obs = o.Tick()
	require.NotNil(t, obs.Rebuffering)
	assert.Equal(t, started, obs.Rebuffering.Timestamp)

	el.set(func(e *fakeElement) { e.buffered = []ranges.Range{{Start: 0, End: 40}} })
	obs = o.Tick()
	assert.Nil(t, obs.Rebuffering)
}

func TestObserverNoRebufferingAtEndOfContent(t *testing.T) {
	el := playingElement()
	el.duration = 30
	el.time = 29.7
	o, _ := newTestObserver(el)

	obs := o.Tick()
	assert.Nil(t, obs.Rebuffering)
}

func TestObserverDefersSeekUntilMetadata(t *testing.T) {
	el := playingElement()
	el.readyState = types.HaveNothing
	o, _ := newTestObserver(el)

	o.SetCurrentTime(12)
	assert.Empty(t, el.seeks)
	assert.Equal(t, 12.0, o.GetCurrentTime())

	obs := o.Tick()
	assert.True(t, obs.Position.AwaitingFuturePosition)
	assert.Equal(t, 12.0, obs.Position.Wanted)
	assert.Equal(t, 0.0, obs.Position.Polled)
	require.NotNil(t, obs.Rebuffering)
	assert.Equal(t, types.StallInternalSeek, obs.Rebuffering.Reason)

	el.set(func(e *fakeElement) { e.readyState = types.HaveMetadata })
	obs = o.Tick()
	assert.Equal(t, []float64{12}, el.seeks)
	assert.False(t, obs.Position.AwaitingFuturePosition)
	assert.Equal(t, 12.0, obs.Position.Polled)
}

func TestObserverInternalSeeking(t *testing.T) {
	el := playingElement()
	o, _ := newTestObserver(el)

	o.SetCurrentTime(50)
	el.set(func(e *fakeElement) { e.seeking = true })
	obs := o.Tick()
	assert.True(t, obs.Seeking)
	assert.True(t, obs.InternalSeeking)
	require.NotNil(t, obs.Rebuffering)
	assert.Equal(t, types.StallInternalSeek, obs.Rebuffering.Reason)

	el.set(func(e *fakeElement) { e.seeking = false })
	o.Tick()

	// A seek issued by the user is not internal
	el.set(func(e *fakeElement) { e.seeking = true; e.time = 60 })
	obs = o.Tick()
	assert.True(t, obs.Seeking)
	assert.False(t, obs.InternalSeeking)
	require.NotNil(t, obs.Rebuffering)
	assert.Equal(t, types.StallSeeking, obs.Rebuffering.Reason)
}

func TestObserverFreezing(t *testing.T) {
	el := playingElement()
	el.time = 10
	o, c := newTestObserver(el)

	obs := o.Tick()
	assert.Nil(t, obs.Freezing)

	c.now = c.now.Add(time.Second)
	obs = o.Tick()
	require.NotNil(t, obs.Freezing)
	frozenAt := obs.Freezing.Timestamp

	c.now = c.now.Add(time.Second)
	obs = o.Tick()
	require.NotNil(t, obs.Freezing)
	assert.Equal(t, frozenAt, obs.Freezing.Timestamp)

	el.set(func(e *fakeElement) { e.time = 10.5 })
	obs = o.Tick()
	assert.Nil(t, obs.Freezing)

	el.set(func(e *fakeElement) { e.paused = true })
	o.Tick()
	obs = o.Tick()
	assert.Nil(t, obs.Freezing, "a paused element is not frozen")
}

func TestObserverStartTicks(t *testing.T) {
	el := playingElement()
	o := New(el, Options{Interval: 5 * time.Millisecond, Logger: logger.NewDiscardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan types.Observation, 16)
	o.Listen(ctx, func(obs types.Observation) {
		select {
		case seen <- obs:
		default:
		}
	}, false)
	o.Start(ctx)

	select {
	case obs := <-seen:
		assert.Equal(t, 100.0, obs.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("no periodic observation")
	}
}

func TestObserverCommands(t *testing.T) {
	el := playingElement()
	el.paused = true
	o, _ := newTestObserver(el)

	o.SetPlaybackRate(0)
	assert.Equal(t, 0.0, el.PlaybackRate())
	assert.True(t, o.GetIsPaused())

	o.SetCurrentTime(7)
	assert.Equal(t, []float64{7}, el.seeks)
	assert.Equal(t, 7.0, o.GetCurrentTime())
}
