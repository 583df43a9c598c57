package rebuffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/manifest"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

func ptr(f float64) *float64 { return &f }

type fakeObserver struct {
	mu          sync.Mutex
	listeners   []func(types.Observation)
	last        *types.Observation
	currentTime float64
	paused      bool
	seeks       []float64
	rates       []float64
}

func (f *fakeObserver) Listen(ctx context.Context, fn func(types.Observation), includeLast bool) {
	f.mu.Lock()
	f.listeners = append(f.listeners, func(o types.Observation) {
		if ctx.Err() == nil {
			fn(o)
		}
	})
	last := f.last
	f.mu.Unlock()
	if includeLast && last != nil {
		fn(*last)
	}
}

func (f *fakeObserver) LastObservation() (types.Observation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return types.Observation{}, false
	}
	return *f.last, true
}

func (f *fakeObserver) SetCurrentTime(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, t)
}

func (f *fakeObserver) SetPlaybackRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, rate)
}

func (f *fakeObserver) GetCurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentTime
}

func (f *fakeObserver) GetIsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeObserver) push(o types.Observation) {
	f.mu.Lock()
	f.last = &o
	ls := append([]func(types.Observation){}, f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(o)
	}
}

func (f *fakeObserver) seekList() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64{}, f.seeks...)
}

func (f *fakeObserver) rateList() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64{}, f.rates...)
}

type recordedEvents struct {
	stalled   []types.StallReason
	unstalled int
	warnings  []error
}

func (e *recordedEvents) callbacks() Callbacks {
	return Callbacks{
		OnStalled:   func(r types.StallReason) { e.stalled = append(e.stalled, r) },
		OnUnstalled: func() { e.unstalled++ },
		OnWarning:   func(err error) { e.warnings = append(e.warnings, err) },
	}
}

type fixture struct {
	obs   *fakeObserver
	ctrl  *Controller
	evts  *recordedEvents
	speed *reference.Ref[float64]
	now   time.Time
}

func newFixture(t *testing.T, m types.Manifest) *fixture {
	t.Helper()
	f := &fixture{
		obs:   &fakeObserver{},
		evts:  &recordedEvents{},
		speed: reference.NewRef(1.0),
		now:   time.Unix(1000, 0),
	}
	f.ctrl = New(f.obs, m, f.speed, f.evts.callbacks(), Options{
		Config: config.DefaultConfig().Rebuffering,
		Logger: logger.NewDiscardLogger(),
		Now:    func() time.Time { return f.now },
	})
	require.NoError(t, f.ctrl.Start(context.Background()))
	t.Cleanup(f.ctrl.Destroy)
	return f
}

func singlePeriod() (*manifest.Manifest, *types.Period) {
	p := &types.Period{ID: "p1", Start: 0, End: ptr(30)}
	return manifest.New([]*types.Period{p}, manifest.Options{LastPeriodKnown: true, MaxPosition: 30}), p
}

func rebufferingAt(pos float64) types.Observation {
	return types.Observation{
		Position:    types.ObservationPosition{Polled: pos, Wanted: pos},
		ReadyState:  types.HaveMetadata,
		Rebuffering: &types.RebufferingStatus{Reason: types.StallBuffering, Position: ptr(pos)},
	}
}

func TestSeeksOverKnownDiscontinuity(t *testing.T) {
	m, p := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 11.9

	f.ctrl.UpdateDiscontinuityInfo(types.DiscontinuityEvent{
		Period:        p,
		TrackType:     types.TrackVideo,
		Discontinuity: &types.Discontinuity{Start: ptr(11.5), End: ptr(12.3)},
		Position:      11.5,
	})
	f.obs.push(rebufferingAt(12.0))

	seeks := f.obs.seekList()
	require.Len(t, seeks, 1)
	assert.InDelta(t, 12.301, seeks[0], 1e-9)
	require.Len(t, f.evts.warnings, 1)
	assert.True(t, errors.IsErrorCode(f.evts.warnings[0], errors.ErrCodeDiscontinuityEncountered))
	assert.False(t, errors.IsFatal(f.evts.warnings[0]))
	assert.Empty(t, f.evts.stalled)
}

func TestDiscontinuityNotSkippedWhenPaused(t *testing.T) {
	m, p := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 11.9
	f.speed.Set(0)

	f.ctrl.UpdateDiscontinuityInfo(types.DiscontinuityEvent{
		Period:        p,
		TrackType:     types.TrackAudio,
		Discontinuity: &types.Discontinuity{Start: ptr(11.5), End: ptr(12.3)},
	})
	f.obs.push(rebufferingAt(12.0))

	assert.Empty(t, f.obs.seekList())
	assert.Equal(t, []types.StallReason{types.StallBuffering}, f.evts.stalled)
}

func TestDiscontinuityUntilNextPeriod(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 0, End: ptr(20)}
	p2 := &types.Period{ID: "p2", Start: 20, End: ptr(40)}
	m := manifest.New([]*types.Period{p1, p2}, manifest.Options{LastPeriodKnown: true, MaxPosition: 40})
	f := newFixture(t, m)
	f.obs.currentTime = 18

	f.ctrl.UpdateDiscontinuityInfo(types.DiscontinuityEvent{
		Period:        p1,
		TrackType:     types.TrackVideo,
		Discontinuity: &types.Discontinuity{Start: ptr(18)},
		Position:      18,
	})
	f.obs.push(rebufferingAt(18.5))

	require.Len(t, f.obs.seekList(), 1)
	assert.InDelta(t, 20.001, f.obs.seekList()[0], 1e-9)
}

func TestClearedDiscontinuityIsIgnored(t *testing.T) {
	m, p := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 11.9

	disc := types.DiscontinuityEvent{
		Period:        p,
		TrackType:     types.TrackVideo,
		Discontinuity: &types.Discontinuity{Start: ptr(11.5), End: ptr(12.3)},
	}
	f.ctrl.UpdateDiscontinuityInfo(disc)
	disc.Discontinuity = nil
	f.ctrl.UpdateDiscontinuityInfo(disc)

	f.obs.push(rebufferingAt(12.0))
	assert.Empty(t, f.obs.seekList())
	assert.Equal(t, []types.StallReason{types.StallBuffering}, f.evts.stalled)
}

func TestSkipsSmallBufferGap(t *testing.T) {
	m, _ := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 5

	obs := rebufferingAt(5)
	obs.Buffered = []ranges.Range{{Start: 0, End: 5}, {Start: 5.1, End: 10}}
	f.obs.push(obs)

	require.Len(t, f.obs.seekList(), 1)
	assert.InDelta(t, 5.1+ranges.Epsilon, f.obs.seekList()[0], 1e-9)
	assert.Len(t, f.evts.warnings, 1)
	assert.Empty(t, f.evts.stalled)
}

func TestLargeBufferGapStalls(t *testing.T) {
	m, _ := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 5

	obs := rebufferingAt(5)
	obs.Buffered = []ranges.Range{{Start: 0, End: 5}, {Start: 8, End: 10}}
	f.obs.push(obs)

	assert.Empty(t, f.obs.seekList())
	assert.Equal(t, []types.StallReason{types.StallBuffering}, f.evts.stalled)
}

func TestSeeksToNextPeriodOverBoundaryHole(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 0, End: ptr(10)}
	p2 := &types.Period{ID: "p2", Start: 10.5, End: ptr(20)}
	m := manifest.New([]*types.Period{p1, p2}, manifest.Options{LastPeriodKnown: true, MaxPosition: 20})
	f := newFixture(t, m)
	f.obs.currentTime = 10

	f.obs.push(rebufferingAt(10))

	assert.Equal(t, []float64{10.5}, f.obs.seekList())
	assert.Len(t, f.evts.warnings, 1)
	assert.Empty(t, f.evts.stalled)
}

func TestAwaitingFuturePositionStallsWithoutSeek(t *testing.T) {
	m, p := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 11.9
	f.ctrl.UpdateDiscontinuityInfo(types.DiscontinuityEvent{
		Period:        p,
		TrackType:     types.TrackVideo,
		Discontinuity: &types.Discontinuity{Start: ptr(11.5), End: ptr(12.3)},
	})

	obs := rebufferingAt(12.0)
	obs.Position.AwaitingFuturePosition = true
	obs.Rebuffering.Reason = types.StallSeeking
	obs.InternalSeeking = true
	f.obs.push(obs)

	assert.Empty(t, f.obs.seekList())
	assert.Equal(t, []types.StallReason{types.StallInternalSeek}, f.evts.stalled)
}

func TestNotReadyAndUnstalled(t *testing.T) {
	m, _ := singlePeriod()
	f := newFixture(t, m)

	f.obs.push(types.Observation{ReadyState: types.HaveMetadata, Seeking: true})
	f.obs.push(types.Observation{ReadyState: types.HaveMetadata})
	f.obs.push(types.Observation{ReadyState: types.HaveEnoughData})
	f.obs.push(types.Observation{ReadyState: types.HaveEnoughData})

	assert.Equal(t, []types.StallReason{types.StallSeeking, types.StallNotReady}, f.evts.stalled)
	assert.Equal(t, 1, f.evts.unstalled)
}

func TestFreezeSeeksOncePerEpisodeThenStalls(t *testing.T) {
	m, _ := singlePeriod()
	f := newFixture(t, m)
	cfg := config.DefaultConfig().Rebuffering
	start := f.now

	frozen := types.Observation{
		Position:   types.ObservationPosition{Polled: 7, Wanted: 7},
		ReadyState: types.HaveEnoughData,
		Freezing:   &types.FreezingStatus{Timestamp: start},
	}

	f.now = start.Add(cfg.UnfreezingSeekDelay + time.Millisecond)
	f.obs.push(frozen)
	f.now = f.now.Add(100 * time.Millisecond)
	f.obs.push(frozen)

	require.Len(t, f.obs.seekList(), 1)
	assert.InDelta(t, 7+cfg.UnfreezingDeltaPosition, f.obs.seekList()[0], 1e-9)
	assert.Empty(t, f.evts.stalled)

	f.now = start.Add(cfg.FreezingStalledDelay + time.Millisecond)
	f.obs.push(frozen)
	assert.Equal(t, []types.StallReason{types.StallFreezing}, f.evts.stalled)
	assert.Len(t, f.obs.seekList(), 1)

	// a new freeze episode may seek again
	f.obs.push(types.Observation{ReadyState: types.HaveEnoughData})
	frozen.Freezing = &types.FreezingStatus{Timestamp: f.now}
	f.now = f.now.Add(cfg.UnfreezingSeekDelay + time.Millisecond)
	f.obs.push(frozen)
	assert.Len(t, f.obs.seekList(), 2)
}

func TestLockedStreamSeeksIntoPeriod(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 0, End: ptr(10)}
	p2 := &types.Period{ID: "p2", Start: 10, End: ptr(20)}
	m := manifest.New([]*types.Period{p1, p2}, manifest.Options{LastPeriodKnown: true, MaxPosition: 20})
	f := newFixture(t, m)
	f.obs.currentTime = 9.5

	obs := rebufferingAt(9.5)
	obs.Buffered = []ranges.Range{{Start: 0, End: 9.5}}
	f.obs.push(obs)
	seeksBefore := len(f.obs.seekList())

	f.ctrl.OnLockedStream(types.TrackText, p2)
	assert.Len(t, f.obs.seekList(), seeksBefore)

	f.ctrl.OnLockedStream(types.TrackVideo, p2)
	seeks := f.obs.seekList()
	require.Len(t, seeks, seeksBefore+1)
	assert.InDelta(t, 10.001, seeks[len(seeks)-1], 1e-9)
}

func TestRateForcedToZeroWhileRebuffering(t *testing.T) {
	m, _ := singlePeriod()
	f := newFixture(t, m)
	f.obs.currentTime = 3

	f.obs.push(rebufferingAt(3))
	f.speed.Set(2)
	f.obs.push(types.Observation{ReadyState: types.HaveEnoughData})

	// initial speed, forced 0, restored speed
	assert.Equal(t, []float64{1, 0, 2}, f.obs.rateList())
}

func TestRateToggleDoesNotLeakSubscriptions(t *testing.T) {
	obs := &fakeObserver{}
	speed := reference.NewRef(1.0)
	u := NewPlaybackRateUpdater(obs, speed)
	assert.Equal(t, 1, speed.ListenerCount())

	for i := 0; i < 100; i++ {
		u.StartRebuffering()
		u.StopRebuffering()
	}
	u.StartRebuffering()
	u.StartRebuffering()
	assert.Equal(t, 0, speed.ListenerCount())

	u.StopRebuffering()
	assert.Equal(t, 1, speed.ListenerCount())

	u.Dispose()
	u.Dispose()
	assert.Equal(t, 0, speed.ListenerCount())
	u.StartRebuffering()
	assert.False(t, u.IsRebuffering())
}

func TestDiscontinuityStoreGarbageCollects(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 0, End: ptr(10)}
	p2 := &types.Period{ID: "p2", Start: 10, End: ptr(20)}
	var s discontinuityStore

	s.update(types.DiscontinuityEvent{Period: p2, TrackType: types.TrackVideo, Discontinuity: &types.Discontinuity{}}, 0, 10)
	s.update(types.DiscontinuityEvent{Period: p1, TrackType: types.TrackAudio, Discontinuity: &types.Discontinuity{}}, 0, 10)
	s.update(types.DiscontinuityEvent{Period: p1, TrackType: types.TrackText, Discontinuity: &types.Discontinuity{}}, 0, 10)
	require.Equal(t, 2, s.len())
	assert.Equal(t, "p1", s.records[0].Period.ID)

	// p1 ended at 10, playback at 25 is past the margin
	s.update(types.DiscontinuityEvent{Period: p2, TrackType: types.TrackAudio}, 25, 10)
	require.Equal(t, 1, s.len())
	assert.Equal(t, "p2", s.records[0].Period.ID)
}

func TestDestroyStopsEverything(t *testing.T) {
	m, _ := singlePeriod()
	f := newFixture(t, m)

	f.ctrl.Destroy()
	f.ctrl.Destroy()
	f.obs.push(rebufferingAt(3))

	assert.Empty(t, f.evts.stalled)
	assert.Equal(t, 0, f.speed.ListenerCount())
	assert.Error(t, f.ctrl.Start(context.Background()))
}
