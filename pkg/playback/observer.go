// Package playback observes a media element and turns its state into
// Observations for the rest of the player.
package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

// MediaElement is the playback surface being observed
type MediaElement interface {
	CurrentTime() float64
	SetCurrentTime(t float64)
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	Paused() bool
	Ended() bool
	Seeking() bool
	ReadyState() int
	Duration() float64
	Buffered() []ranges.Range
}

// Options configures an Observer
type Options struct {
	// Interval between two periodic observations
	Interval time.Duration

	// RebufferingGap is the buffer gap under which playback is considered rebuffering
	RebufferingGap float64

	// ResumeGap is the buffer gap needed to leave rebuffering
	ResumeGap float64

	Logger logger.Logger
	Now    func() time.Time
}

// DefaultOptions returns the observer defaults
func DefaultOptions() Options {
	return Options{
		Interval:       250 * time.Millisecond,
		RebufferingGap: 0.5,
		ResumeGap:      5,
	}
}

// endOfContentMargin is how close to the duration a position counts as the end
const endOfContentMargin = 0.1

// Observer implements types.PlaybackObserver over a MediaElement
type Observer struct {
	element MediaElement
	opts    Options
	logger  logger.Logger

	observations *reference.Ref[types.Observation]
	serial       events.Serial

	mu              sync.Mutex
	observed        bool
	pendingSeek     *float64
	internalSeeking bool
	rebuffering     *types.RebufferingStatus
	freezing        *types.FreezingStatus
	lastPolled      float64
}

var _ types.PlaybackObserver = (*Observer)(nil)

// New creates an Observer. Zero options fall back to DefaultOptions.
func New(element MediaElement, opts Options) *Observer {
	defaults := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.RebufferingGap <= 0 {
		opts.RebufferingGap = defaults.RebufferingGap
	}
	if opts.ResumeGap <= 0 {
		opts.ResumeGap = defaults.ResumeGap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Observer{
		element:      element,
		opts:         opts,
		logger:       logger.OrDefault(opts.Logger).With(logger.Component("playback-observer")),
		observations: reference.NewRef(types.Observation{}),
		lastPolled:   -1,
	}
}

// Start observes the element periodically until ctx is done
func (o *Observer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		defer o.observations.Finish()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Tick()
			}
		}
	}()
}

// Tick makes an observation now and pushes it to listeners
func (o *Observer) Tick() types.Observation {
	obs := o.observe()
	o.serial.Post(func() {
		o.observations.Set(obs)
	})
	return obs
}

// Listen registers fn until ctx is done
func (o *Observer) Listen(ctx context.Context, fn func(types.Observation), includeLast bool) {
	o.mu.Lock()
	observed := o.observed
	o.mu.Unlock()
	o.observations.OnUpdate(ctx, fn, includeLast && observed)
}

// LastObservation returns the most recent observation
func (o *Observer) LastObservation() (types.Observation, bool) {
	o.mu.Lock()
	observed := o.observed
	o.mu.Unlock()
	if !observed {
		return types.Observation{}, false
	}
	return o.observations.Get(), true
}

// SetCurrentTime seeks the element. The seek is deferred until the element
// has loaded its metadata.
func (o *Observer) SetCurrentTime(t float64) {
	o.mu.Lock()
	o.internalSeeking = true
	if o.element.ReadyState() < types.HaveMetadata {
		o.pendingSeek = &t
		o.mu.Unlock()
		o.logger.Debug("Deferring seek until metadata is loaded", logger.Float64("position", t))
		return
	}
	o.pendingSeek = nil
	o.mu.Unlock()
	o.element.SetCurrentTime(t)
}

// SetPlaybackRate sets the element's playback rate
func (o *Observer) SetPlaybackRate(rate float64) {
	o.element.SetPlaybackRate(rate)
}

// GetCurrentTime returns the element's position, or the pending seek target
func (o *Observer) GetCurrentTime() float64 {
	o.mu.Lock()
	pending := o.pendingSeek
	o.mu.Unlock()
	if pending != nil {
		return *pending
	}
	return o.element.CurrentTime()
}

// GetIsPaused returns whether the element is paused
func (o *Observer) GetIsPaused() bool {
	return o.element.Paused()
}

func (o *Observer) observe() types.Observation {
	el := o.element
	readyState := el.ReadyState()

	o.mu.Lock()
	if o.pendingSeek != nil && readyState >= types.HaveMetadata {
		target := *o.pendingSeek
		o.pendingSeek = nil
		o.mu.Unlock()
		el.SetCurrentTime(target)
		o.mu.Lock()
	}
	defer o.mu.Unlock()

	now := o.opts.Now()
	polled := el.CurrentTime()
	buffered := el.Buffered()
	seeking := el.Seeking()
	paused := el.Paused()
	ended := el.Ended()
	duration := el.Duration()
	rate := el.PlaybackRate()

	if !seeking && o.pendingSeek == nil {
		o.internalSeeking = false
	}

	obs := types.Observation{
		Position: types.ObservationPosition{
			Polled: polled,
			Wanted: polled,
		},
		Buffered:        ranges.Clone(buffered),
		Paused:          paused,
		Ended:           ended,
		ReadyState:      readyState,
		Duration:        duration,
		PlaybackRate:    rate,
		Seeking:         seeking,
		InternalSeeking: seeking && o.internalSeeking,
	}
	if o.pendingSeek != nil {
		obs.Position.Wanted = *o.pendingSeek
		obs.Position.AwaitingFuturePosition = true
		obs.InternalSeeking = true
	}

	o.rebuffering = o.rebufferingStatus(obs, now)
	obs.Rebuffering = copyRebuffering(o.rebuffering)

	o.freezing = o.freezingStatus(obs, now)
	if o.freezing != nil {
		f := *o.freezing
		obs.Freezing = &f
	}
	o.lastPolled = polled
	o.observed = true
	return obs
}

func (o *Observer) rebufferingStatus(obs types.Observation, now time.Time) *types.RebufferingStatus {
	wanted := obs.Position.Wanted
	if obs.Ended || (obs.Duration > 0 && obs.Duration-wanted < endOfContentMargin) {
		return nil
	}

	var reason types.StallReason
	switch {
	case obs.Position.AwaitingFuturePosition || obs.InternalSeeking:
		reason = types.StallInternalSeek
	case obs.Seeking:
		reason = types.StallSeeking
	case obs.ReadyState < types.HaveCurrentData:
		reason = types.StallNotReady
	default:
		reason = types.StallBuffering
	}

	gap := ranges.LeftSize(obs.Buffered, wanted)
	reachesEnd := obs.Duration > 0 && wanted+gap >= obs.Duration-endOfContentMargin

	if o.rebuffering != nil {
		if gap >= o.opts.ResumeGap || reachesEnd {
			return nil
		}
		if o.rebuffering.Reason == reason {
			return o.rebuffering
		}
	} else if !obs.Position.AwaitingFuturePosition && (gap >= o.opts.RebufferingGap || reachesEnd) {
		return nil
	}

	position := wanted
	return &types.RebufferingStatus{
		Reason:    reason,
		Timestamp: now,
		Position:  &position,
	}
}

func (o *Observer) freezingStatus(obs types.Observation, now time.Time) *types.FreezingStatus {
	if obs.Paused || obs.Ended || obs.Seeking || obs.Rebuffering != nil ||
		obs.PlaybackRate <= 0 || obs.ReadyState < types.HaveFutureData {
		return nil
	}
	if math.Abs(obs.Position.Polled-o.lastPolled) > 1e-6 {
		return nil
	}
	if o.freezing != nil {
		return o.freezing
	}
	return &types.FreezingStatus{Timestamp: now}
}

func copyRebuffering(s *types.RebufferingStatus) *types.RebufferingStatus {
	if s == nil {
		return nil
	}
	c := *s
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	return &c
}
