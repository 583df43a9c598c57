// Package initializer wires the sink store, the downloading queues, the
// boundaries observer and the rebuffering controller of a content into one
// loading state machine. It is the only place deciding that an error ends
// playback.
package initializer

import (
	"context"
	"sync"

	"github.com/aminofox/zenplay/pkg/abr"
	"github.com/aminofox/zenplay/pkg/cache"
	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/transport"
	"github.com/aminofox/zenplay/pkg/types"
)

// Callbacks receive the events of an Initializer, one at a time. Nil
// callbacks are skipped.
type Callbacks struct {
	OnStateChange func(State)

	// OnLoaded is called once the content can be played
	OnLoaded func(autoPlay bool)

	OnStalled      func(types.StallReason)
	OnUnstalled    func()
	OnPeriodChange func(*types.Period)
	OnWarning      func(error)

	// OnError is called with the fatal error that ended the session
	OnError func(error)
}

// Options carries the collaborators of an Initializer
type Options struct {
	Config    *config.Config
	Transport transport.Transport
	Fetcher   types.SegmentFetcher

	// Estimator drives Representation selection, a fresh weighted estimator when nil
	Estimator abr.Estimator

	// CodecCache memoizes codec support checks, optional
	CodecCache *cache.CodecSupportCache

	// Speed is the playback rate wanted by the user, 1 when nil
	Speed *reference.Ref[float64]

	// BufferGoal is how many seconds ahead of the position are loaded
	BufferGoal float64

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

const defaultBufferGoal = 30

// Initializer loads one content
type Initializer struct {
	manifest  types.Manifest
	opts      Options
	callbacks Callbacks
	logger    logger.Logger
	metrics   *metrics.Metrics
	serial    events.Serial

	mu      sync.Mutex
	state   State
	ctx     context.Context
	session *session
}

// New creates an Initializer for manifest
func New(manifest types.Manifest, callbacks Callbacks, opts Options) (*Initializer, error) {
	if manifest == nil {
		return nil, errors.NewConfigurationError(errors.ErrCodeMissingConfig, "manifest is required")
	}
	if opts.Transport == nil {
		return nil, errors.NewConfigurationError(errors.ErrCodeMissingConfig, "transport is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.NewConfigurationError(errors.ErrCodeMissingConfig, "segment fetcher is required")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Estimator == nil {
		opts.Estimator = abr.NewWeightedEstimator(10)
	}
	if opts.Speed == nil {
		opts.Speed = reference.NewRef(1.0)
	}
	if opts.BufferGoal <= 0 {
		opts.BufferGoal = defaultBufferGoal
	}

	return &Initializer{
		manifest:  manifest,
		opts:      opts,
		callbacks: callbacks,
		logger:    logger.OrDefault(opts.Logger).With(logger.Component("initializer")),
		metrics:   opts.Metrics,
	}, nil
}

// State returns the current state
func (i *Initializer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SessionID returns the id of the current session, empty when there is none
func (i *Initializer) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session == nil {
		return ""
	}
	return i.session.id
}

// Start loads the content from position. The content stops when ctx is done.
func (i *Initializer) Start(ctx context.Context, position float64, autoPlay bool) error {
	i.mu.Lock()
	if i.state != StateIdle {
		i.mu.Unlock()
		return errors.NewInvalidStateError("content already started")
	}
	i.ctx = ctx
	i.mu.Unlock()

	context.AfterFunc(ctx, i.Stop)
	return i.load(position, autoPlay)
}

// Reload tears the current session down, resets the media pipeline and
// loads the content again from position.
func (i *Initializer) Reload(position float64, autoPlay bool) error {
	i.mu.Lock()
	if !i.state.isActive() {
		state := i.state
		i.mu.Unlock()
		return errors.NewInvalidStateError("cannot reload in state " + state.String())
	}
	old := i.session
	i.session = nil
	i.mu.Unlock()

	i.logger.Info("Reloading content", logger.Float64("position", position))
	i.setState(StateReloading)
	i.metrics.IncReloads()

	if old != nil {
		old.dispose()
	}
	if err := i.opts.Transport.Pipeline().Reset(); err != nil {
		err = errors.Wrap(errors.ErrCodeInvalidState, "failed to reset the media pipeline", err).AsFatal()
		i.fail(err)
		return err
	}
	return i.load(position, autoPlay)
}

// Stop ends the content. It is idempotent.
func (i *Initializer) Stop() {
	i.mu.Lock()
	if i.state.IsTerminal() {
		i.mu.Unlock()
		return
	}
	s := i.session
	i.session = nil
	i.state = StateStopped
	i.mu.Unlock()

	if s != nil {
		s.dispose()
	}
	i.logger.Info("Content stopped")
	i.emit(func() {
		if i.callbacks.OnStateChange != nil {
			i.callbacks.OnStateChange(StateStopped)
		}
	})
}

// OnKeyIDsCompatibilityUpdate marks the Representations using the given key
// ids decipherable or not. A blacklisted key wins over a whitelisted one.
func (i *Initializer) OnKeyIDsCompatibilityUpdate(whitelisted, blacklisted [][]byte) {
	i.forEachRepresentation(func(rep *types.Representation) {
		for _, kid := range whitelisted {
			if rep.UsesKeyID(kid) {
				rep.SetDecipherable(true)
			}
		}
		for _, kid := range blacklisted {
			if rep.UsesKeyID(kid) {
				rep.SetDecipherable(false)
			}
		}
	})
	i.onDecipherabilityUpdate()
}

// OnBlacklistProtectionData marks the Representations carrying data undecipherable
func (i *Initializer) OnBlacklistProtectionData(data types.ProtectionInitData) {
	i.forEachRepresentation(func(rep *types.Representation) {
		if rep.UsesInitData(data) {
			rep.SetDecipherable(false)
		}
	})
	i.onDecipherabilityUpdate()
}

func (i *Initializer) onDecipherabilityUpdate() {
	i.mu.Lock()
	s := i.session
	i.mu.Unlock()
	if s == nil {
		return
	}

	if err := checkPlayable(i.manifest, s.trackTypes); err != nil {
		i.fail(err)
		return
	}

	s.work.Post(func() {
		if s.ctx.Err() != nil || !s.loadsUnplayable() {
			return
		}
		observer := i.opts.Transport.Observer()
		position := observer.GetCurrentTime()
		autoPlay := !observer.GetIsPaused()
		i.logger.Warn("A loaded Representation became undecipherable")
		go func() {
			if err := i.Reload(position, autoPlay); err != nil && !errors.IsFatal(err) {
				i.logger.Debug("Reload skipped", logger.Err(err))
			}
		}()
	})
}

func (i *Initializer) forEachRepresentation(fn func(*types.Representation)) {
	for _, p := range i.manifest.Periods() {
		for _, adaptations := range p.Adaptations {
			for _, a := range adaptations {
				for _, rep := range a.Representations {
					fn(rep)
				}
			}
		}
	}
}

func (i *Initializer) load(position float64, autoPlay bool) error {
	i.mu.Lock()
	if i.state.IsTerminal() {
		i.mu.Unlock()
		return nil
	}
	ctx := i.ctx
	i.mu.Unlock()

	i.setState(StateLoading)

	s, err := newSession(ctx, i, position, autoPlay)
	if err != nil {
		i.fail(err)
		return err
	}

	i.mu.Lock()
	if i.state.IsTerminal() || i.session != nil {
		i.mu.Unlock()
		s.dispose()
		return nil
	}
	i.session = s
	i.mu.Unlock()

	i.logger.Info("Loading content",
		logger.String("session", s.id),
		logger.Float64("position", position),
	)
	i.setState(StateAwaitingBuffers)
	s.start()
	return nil
}

func (i *Initializer) onBuffersUsable(s *session) {
	if !i.isCurrent(s) {
		return
	}
	i.opts.Transport.Observer().SetCurrentTime(s.position)
	s.markInitialSeekDone()

	if !i.setState(StateLoaded) {
		return
	}
	i.emit(func() {
		if i.callbacks.OnLoaded != nil {
			i.callbacks.OnLoaded(s.autoPlay)
		}
	})
}

func (i *Initializer) isCurrent(s *session) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session == s
}

// handleError decides what an error reported by a session component means:
// fatal errors end the content, others are warnings.
func (i *Initializer) handleError(s *session, err error) {
	if err == nil || errors.IsCanceled(err) || !i.isCurrent(s) {
		return
	}
	if errors.IsFatal(err) {
		i.fail(err)
		return
	}
	i.warn(err)
}

func (i *Initializer) fail(err error) {
	i.mu.Lock()
	if i.state.IsTerminal() {
		i.mu.Unlock()
		return
	}
	s := i.session
	i.session = nil
	i.state = StateErrored
	i.mu.Unlock()

	i.logger.Error("Content failed", logger.Err(err))
	if s != nil {
		s.dispose()
	}
	i.emit(func() {
		if i.callbacks.OnStateChange != nil {
			i.callbacks.OnStateChange(StateErrored)
		}
		if i.callbacks.OnError != nil {
			i.callbacks.OnError(err)
		}
	})
}

func (i *Initializer) warn(err error) {
	i.logger.Warn("Playback warning", logger.Err(err))
	i.emit(func() {
		if i.callbacks.OnWarning != nil {
			i.callbacks.OnWarning(err)
		}
	})
}

// setState moves to st unless the state is terminal. It returns false when
// nothing changed.
func (i *Initializer) setState(st State) bool {
	i.mu.Lock()
	if i.state == st || i.state.IsTerminal() {
		i.mu.Unlock()
		return false
	}
	i.state = st
	i.mu.Unlock()

	i.emit(func() {
		if i.callbacks.OnStateChange != nil {
			i.callbacks.OnStateChange(st)
		}
	})
	return true
}

func (i *Initializer) emit(fn func()) {
	i.serial.Post(fn)
}
