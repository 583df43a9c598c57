package initializer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aminofox/zenplay/pkg/boundaries"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/rebuffer"
	"github.com/aminofox/zenplay/pkg/sink"
	"github.com/aminofox/zenplay/pkg/types"
)

// updateNotifier is implemented by manifests able to change after loading
type updateNotifier interface {
	OnUpdate(ctx context.Context, fn func())
}

// session is one load of the content, from its creation to a reload or
// the end of the content. Stream work runs on work, one task at a time.
type session struct {
	id       string
	init     *Initializer
	ctx      context.Context
	cancel   context.CancelFunc
	logger   logger.Logger
	position float64
	autoPlay bool

	pipeline   types.MediaPipeline
	observer   types.PlaybackObserver
	store      *sink.Store
	boundaries *boundaries.Observer
	controller *rebuffer.Controller
	trackTypes []types.TrackType
	streams    []*stream
	work       events.Serial

	mu                sync.Mutex
	initialSeekIssued bool

	disposeOnce sync.Once
}

func newSession(parent context.Context, i *Initializer, position float64, autoPlay bool) (*session, error) {
	periods := i.manifest.Periods()
	if len(periods) == 0 {
		return nil, errors.New(errors.ErrCodeNoPlayableRepresentation, "manifest has no period").AsFatal()
	}
	start := periodAt(periods, position)
	trackTypes := trackTypesOf(start)
	if len(trackTypes) == 0 {
		return nil, errors.New(errors.ErrCodeNoPlayableRepresentation, "starting period has no adaptation").AsFatal()
	}

	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()
	s := &session{
		id:         id,
		init:       i,
		ctx:        ctx,
		cancel:     cancel,
		logger:     i.logger.With(logger.String("session", id)),
		position:   position,
		autoPlay:   autoPlay,
		pipeline:   i.opts.Transport.Pipeline(),
		observer:   i.opts.Transport.Observer(),
		trackTypes: trackTypes,
	}

	s.updateCodecSupport()
	if err := checkPlayable(i.manifest, trackTypes); err != nil {
		cancel()
		return nil, err
	}

	s.store = sink.NewStore(s.pipeline, len(start.AdaptationsFor(types.TrackVideo)) > 0, sink.StoreOptions{
		Logger:  s.logger,
		Metrics: i.metrics,
	})
	for _, t := range s.store.NativeTypes() {
		if len(start.AdaptationsFor(t)) > 0 {
			continue
		}
		if err := s.store.DisableSink(t); err != nil {
			cancel()
			return nil, err
		}
	}

	s.boundaries = boundaries.New(i.manifest, trackTypes, boundaries.Callbacks{
		OnPeriodChange: func(p *types.Period) {
			s.logger.Info("Period changed", logger.String("period", p.ID))
			i.emit(func() {
				if i.callbacks.OnPeriodChange != nil {
					i.callbacks.OnPeriodChange(p)
				}
			})
		},
		OnDurationUpdate: func(d boundaries.Duration) {
			if err := s.pipeline.SetDuration(d.Duration); err != nil {
				i.handleError(s, errors.Wrap(errors.ErrCodeInvalidState, "failed to update duration", err))
			}
		},
		OnEndOfStream: func() {
			if err := s.pipeline.EndOfStream(); err != nil {
				i.handleError(s, errors.Wrap(errors.ErrCodeInvalidState, "failed to end the stream", err))
			}
		},
		OnResumeStream: func() {
			s.logger.Debug("Stream resumed")
		},
		OnWarning: func(err error) {
			i.handleError(s, err)
		},
	}, s.logger)

	s.controller = rebuffer.New(s.observer, i.manifest, i.opts.Speed, rebuffer.Callbacks{
		OnStalled: func(reason types.StallReason) {
			i.emit(func() {
				if i.callbacks.OnStalled != nil {
					i.callbacks.OnStalled(reason)
				}
			})
		},
		OnUnstalled: func() {
			i.emit(func() {
				if i.callbacks.OnUnstalled != nil {
					i.callbacks.OnUnstalled()
				}
			})
		},
		OnWarning: func(err error) {
			i.handleError(s, err)
		},
	}, rebuffer.Options{
		Config:  i.opts.Config.Rebuffering,
		Logger:  s.logger,
		Metrics: i.metrics,
	})

	for _, t := range trackTypes {
		s.streams = append(s.streams, newStream(s, t))
	}
	return s, nil
}

func (s *session) start() {
	if err := s.controller.Start(s.ctx); err != nil {
		s.init.handleError(s, err)
		return
	}
	s.observer.Listen(s.ctx, s.onObservation, false)
	if n, ok := s.init.manifest.(updateNotifier); ok {
		n.OnUpdate(s.ctx, s.onManifestUpdate)
	}

	s.refresh(s.position)

	go func() {
		if err := s.store.WaitForUsableBuffers(s.ctx); err != nil {
			return
		}
		s.init.onBuffersUsable(s)
	}()
}

func (s *session) onObservation(obs types.Observation) {
	s.boundaries.OnObservation(obs)

	position := obs.Position.Wanted
	s.mu.Lock()
	if !s.initialSeekIssued {
		position = s.position
	}
	s.mu.Unlock()
	s.refresh(position)
}

func (s *session) onManifestUpdate() {
	s.updateCodecSupport()
	s.boundaries.OnManifestUpdate()
	s.work.Post(func() {
		for _, st := range s.streams {
			st.refresh(st.lastPosition)
		}
	})
}

func (s *session) refresh(position float64) {
	s.work.Post(func() {
		if s.ctx.Err() != nil {
			return
		}
		for _, st := range s.streams {
			st.refresh(position)
		}
	})
}

func (s *session) markInitialSeekDone() {
	s.mu.Lock()
	s.initialSeekIssued = true
	s.mu.Unlock()
}

// loadsUnplayable reports whether a stream loads a Representation that
// became unplayable. It runs on work.
func (s *session) loadsUnplayable() bool {
	for _, st := range s.streams {
		if st.representation != nil && !st.representation.IsPlayable() {
			return true
		}
	}
	return false
}

// updateCodecSupport marks native Representations whose codec the media
// pipeline cannot decode.
func (s *session) updateCodecSupport() {
	check := s.pipeline.IsTypeSupported
	if c := s.init.opts.CodecCache; c != nil {
		check = func(mime string) bool {
			return c.IsSupported(s.ctx, mime, s.pipeline.IsTypeSupported)
		}
	}
	for _, p := range s.init.manifest.Periods() {
		for t, adaptations := range p.Adaptations {
			if !t.IsNative() {
				continue
			}
			for _, a := range adaptations {
				for _, rep := range a.Representations {
					rep.SetSupported(check(rep.MimeWithCodec()))
				}
			}
		}
	}
}

func (s *session) dispose() {
	s.disposeOnce.Do(func() {
		// dispose may be called from work, so stopping the streams is queued
		s.cancel()
		s.work.Post(func() {
			for _, st := range s.streams {
				st.stop()
			}
		})
		s.controller.Destroy()
		s.boundaries.Dispose()
		s.store.DisposeAll()
		s.logger.Debug("Session disposed")
	})
}

// periodAt returns the Period containing position, the first one starting
// after it when position falls in a hole, or the last one.
func periodAt(periods []*types.Period, position float64) *types.Period {
	for _, p := range periods {
		if p.ContainsTime(position) || p.Start > position {
			return p
		}
	}
	return periods[len(periods)-1]
}

func trackTypesOf(p *types.Period) []types.TrackType {
	var out []types.TrackType
	for _, t := range types.AllTrackTypes {
		if len(p.AdaptationsFor(t)) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// checkPlayable fails when a track type has no playable Representation in
// any Period.
// firstPlayableCodec returns the codec of the first playable Representation
// of trackType, in Period order.
func firstPlayableCodec(manifest types.Manifest, trackType types.TrackType) (string, bool) {
	for _, p := range manifest.Periods() {
		for _, a := range p.AdaptationsFor(trackType) {
			if reps := a.PlayableRepresentations(); len(reps) > 0 {
				return reps[0].Codec, true
			}
		}
	}
	return "", false
}

func checkPlayable(manifest types.Manifest, trackTypes []types.TrackType) error {
	for _, t := range trackTypes {
		playable := false
		for _, p := range manifest.Periods() {
			for _, a := range p.AdaptationsFor(t) {
				if len(a.PlayableRepresentations()) > 0 {
					playable = true
					break
				}
			}
			if playable {
				break
			}
		}
		if !playable {
			return errors.New(errors.ErrCodeNoPlayableRepresentation,
				"no playable representation for "+t.String()).AsFatal()
		}
	}
	return nil
}
