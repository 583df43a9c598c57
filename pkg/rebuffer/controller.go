// Package rebuffer classifies playback progress from observations and
// drives the corrective seeks that get playback out of known holes,
// in-buffer gaps, Period boundaries and freezes.
package rebuffer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

// Callbacks receive the events of a Controller, one at a time. Stalled is
// emitted when playback stops progressing or the reason changes, Unstalled
// when it progresses again. Nil callbacks are skipped.
type Callbacks struct {
	OnStalled   func(types.StallReason)
	OnUnstalled func()
	OnWarning   func(error)
}

// Options configures a Controller.
type Options struct {
	Config  config.RebufferingConfig
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now
	Now func() time.Time
}

// Controller reacts to each observation. It never touches buffers: its
// only actions are seeks and playback rate changes on the observer.
type Controller struct {
	observer  types.PlaybackObserver
	manifest  types.Manifest
	speed     *reference.Ref[float64]
	callbacks Callbacks
	cfg       config.RebufferingConfig
	logger    logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	serial    events.Serial

	mu              sync.Mutex
	discontinuities discontinuityStore
	rate            *PlaybackRateUpdater
	cancel          context.CancelFunc
	freezeSeekDone  bool
	stalled         *types.StallReason
	started         bool
	destroyed       bool
}

// New creates a Controller. manifest may be nil while it is not loaded.
func New(observer types.PlaybackObserver, manifest types.Manifest, speed *reference.Ref[float64], callbacks Callbacks, opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		observer:  observer,
		manifest:  manifest,
		speed:     speed,
		callbacks: callbacks,
		cfg:       opts.Config,
		logger:    logger.OrDefault(opts.Logger).With(logger.Component("rebuffering")),
		metrics:   opts.Metrics,
		now:       now,
	}
}

// Start listens to observations until ctx is done or Destroy is called
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.destroyed {
		c.mu.Unlock()
		return errors.NewInvalidStateError("rebuffering controller already started")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.rate = NewPlaybackRateUpdater(c.observer, c.speed)
	c.mu.Unlock()

	context.AfterFunc(ctx, c.Destroy)
	c.observer.Listen(ctx, c.onObservation, true)
	return nil
}

// UpdateDiscontinuityInfo records, replaces or clears the discontinuity of
// a (Period, TrackType).
func (c *Controller) UpdateDiscontinuityInfo(evt types.DiscontinuityEvent) {
	position := evt.Position
	if obs, ok := c.observer.LastObservation(); ok {
		position = obs.Position.Polled
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.discontinuities.update(evt, position, c.cfg.DiscontinuityGCMargin)
}

// OnLockedStream is called when no segment of period will be loaded for
// trackType until a seek. When playback is rebuffering right before that
// Period, it seeks inside it.
func (c *Controller) OnLockedStream(trackType types.TrackType, period *types.Period) {
	if !trackType.IsNative() {
		return
	}
	obs, ok := c.observer.LastObservation()
	if !ok || obs.Rebuffering == nil || obs.Paused || c.speed.Get() <= 0 {
		return
	}
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}

	loadedPos := obs.Position.Wanted
	rebufferingPos := loadedPos
	if obs.Rebuffering.Position != nil {
		rebufferingPos = *obs.Rebuffering.Position
	}
	if loadedPos < period.Start && math.Abs(rebufferingPos-period.Start) < 1 {
		c.logger.Warn("Rebuffering because of a future locked stream, seeking over it",
			logger.String("period", period.ID),
			logger.String("type", trackType.String()),
		)
		c.observer.SetCurrentTime(period.Start + seekMargin)
	}
}

// Destroy stops listening and releases the playback rate. It is idempotent.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	cancel, rate := c.cancel, c.rate
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rate != nil {
		rate.Dispose()
	}
}

func (c *Controller) onObservation(obs types.Observation) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	rate := c.rate
	c.mu.Unlock()

	if obs.Freezing != nil {
		if c.handleFreeze(obs, rate) {
			return
		}
	} else {
		c.mu.Lock()
		c.freezeSeekDone = false
		c.mu.Unlock()
	}

	if obs.Rebuffering == nil {
		rate.StopRebuffering()
		if obs.ReadyState == types.HaveMetadata {
			reason := types.StallNotReady
			if obs.Seeking {
				reason = types.StallSeeking
				if obs.InternalSeeking {
					reason = types.StallInternalSeek
				}
			}
			c.emitStalled(reason)
			return
		}
		c.emitUnstalled()
		return
	}

	reason := obs.Rebuffering.Reason
	if reason == types.StallSeeking && obs.InternalSeeking {
		reason = types.StallInternalSeek
	}

	if obs.Position.AwaitingFuturePosition {
		rate.StopRebuffering()
		c.logger.Debug("Rebuffering while awaiting a future position")
		c.emitStalled(reason)
		return
	}

	rate.StartRebuffering()

	if c.manifest == nil {
		c.emitStalled(reason)
		return
	}

	speed := c.speed.Get()
	stalledAt := obs.Position.Polled
	if obs.Rebuffering.Position != nil {
		stalledAt = *obs.Rebuffering.Position
		if speed > 0 && c.skipDiscontinuity(stalledAt) {
			return
		}
	}

	if speed > 0 && c.skipBufferGap(obs.Buffered, stalledAt) {
		return
	}

	if c.skipPeriodBoundary(stalledAt) {
		return
	}

	c.emitStalled(reason)
}

// handleFreeze attempts one micro-seek per freeze episode and reports
// whether the freeze lasted long enough to be declared a stall.
func (c *Controller) handleFreeze(obs types.Observation, rate *PlaybackRateUpdater) bool {
	frozenFor := c.now().Sub(obs.Freezing.Timestamp)

	c.mu.Lock()
	shouldSeek := !c.freezeSeekDone && !obs.Position.AwaitingFuturePosition && frozenFor > c.cfg.UnfreezingSeekDelay
	if shouldSeek {
		c.freezeSeekDone = true
	}
	c.mu.Unlock()

	if shouldSeek {
		target := obs.Position.Wanted + c.cfg.UnfreezingDeltaPosition
		c.logger.Warn("Playback frozen, trying to unfreeze with a seek",
			logger.Float64("position", obs.Position.Wanted),
			logger.Float64("seek_to", target),
			logger.Duration("frozen_for", frozenFor),
		)
		c.metrics.IncFreezeSeeks()
		c.observer.SetCurrentTime(target)
	}

	if frozenFor <= c.cfg.FreezingStalledDelay {
		return false
	}
	if obs.Rebuffering == nil {
		rate.StopRebuffering()
	} else {
		rate.StartRebuffering()
	}
	c.emitStalled(types.StallFreezing)
	return true
}

func (c *Controller) skipDiscontinuity(stalledAt float64) bool {
	c.mu.Lock()
	end, found := c.discontinuities.findSeekable(c.manifest, stalledAt, ranges.Epsilon)
	c.mu.Unlock()
	if !found {
		return false
	}

	seekTo := end + seekMargin
	if seekTo <= c.observer.GetCurrentTime() {
		c.logger.Info("Position after the discontinuity already reached",
			logger.Float64("seek_to", seekTo),
		)
		return false
	}
	c.logger.Warn("Skippable discontinuity found",
		logger.Float64("position", stalledAt),
		logger.Float64("seek_to", seekTo),
	)
	c.seekOver(stalledAt, seekTo)
	return true
}

func (c *Controller) skipBufferGap(buffered []ranges.Range, stalledAt float64) bool {
	gap := ranges.NextGap(buffered, stalledAt)
	if gap >= c.cfg.BufferDiscontinuityThreshold {
		return false
	}
	seekTo := stalledAt + gap + ranges.Epsilon
	if c.observer.GetCurrentTime() >= seekTo {
		return false
	}
	c.logger.Warn("Small discontinuity in buffer, seeking over it",
		logger.Float64("position", stalledAt),
		logger.Float64("seek_to", seekTo),
		logger.Float64("threshold", c.cfg.BufferDiscontinuityThreshold),
	)
	c.seekOver(stalledAt, seekTo)
	return true
}

// skipPeriodBoundary seeks to the next Period when the stalled position is
// in the hole between the end of a Period and the start of the next one.
func (c *Controller) skipPeriodBoundary(stalledAt float64) bool {
	periods := c.manifest.Periods()
	for i := len(periods) - 2; i >= 0; i-- {
		period := periods[i]
		if period.End == nil || *period.End > stalledAt {
			continue
		}
		next := periods[i+1]
		if next.Start > stalledAt && next.Start > c.observer.GetCurrentTime() {
			c.logger.Warn("Stalled between two Periods, seeking to the next one",
				logger.String("period", next.ID),
				logger.Float64("seek_to", next.Start),
			)
			c.seekOver(stalledAt, next.Start)
			return true
		}
		return false
	}
	return false
}

func (c *Controller) seekOver(stalledAt, seekTo float64) {
	c.metrics.IncDiscontinuitySeeks()
	c.observer.SetCurrentTime(seekTo)
	warning := errors.NewDiscontinuityError(stalledAt, seekTo)
	c.post(func() {
		if c.callbacks.OnWarning != nil {
			c.callbacks.OnWarning(warning)
		}
	})
}

func (c *Controller) emitStalled(reason types.StallReason) {
	c.mu.Lock()
	if c.stalled != nil && *c.stalled == reason {
		c.mu.Unlock()
		return
	}
	c.stalled = &reason
	c.mu.Unlock()

	c.logger.Info("Playback stalled", logger.String("reason", string(reason)))
	c.metrics.IncStalls(string(reason))
	c.post(func() {
		if c.callbacks.OnStalled != nil {
			c.callbacks.OnStalled(reason)
		}
	})
}

func (c *Controller) emitUnstalled() {
	c.mu.Lock()
	if c.stalled == nil {
		c.mu.Unlock()
		return
	}
	c.stalled = nil
	c.mu.Unlock()

	c.logger.Info("Playback unstalled")
	c.post(func() {
		if c.callbacks.OnUnstalled != nil {
			c.callbacks.OnUnstalled()
		}
	})
}

// post delivers an event unless the controller was destroyed meanwhile
func (c *Controller) post(fn func()) {
	c.serial.Post(func() {
		c.mu.Lock()
		destroyed := c.destroyed
		c.mu.Unlock()
		if !destroyed {
			fn()
		}
	})
}
