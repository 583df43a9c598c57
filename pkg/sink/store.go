package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/pipeline"
	"github.com/aminofox/zenplay/pkg/types"
)

// Status is the state of a track type's sink slot.
type Status int

const (
	// StatusUninitialized means no sink was created nor disabled yet
	StatusUninitialized Status = iota

	// StatusDisabled means the type is permanently absent for this content
	StatusDisabled

	// StatusInitialized means a sink exists
	StatusInitialized
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusInitialized:
		return "initialized"
	default:
		return "uninitialized"
	}
}

// SinkStatus is returned by Store.Status. Sink is set only when initialized.
type SinkStatus struct {
	Status Status
	Sink   *SegmentSink
}

// CustomBufferFactory builds the buffer of a custom (non-native) sink.
type CustomBufferFactory func(trackType types.TrackType, codec string) (types.MediaBuffer, error)

// StoreOptions configures a Store.
type StoreOptions struct {
	// CustomBufferFactory defaults to an in-memory buffer
	CustomBufferFactory CustomBufferFactory
	Logger              logger.Logger
	Metrics             *metrics.Metrics
}

type slot struct {
	status Status
	sink   *SegmentSink
}

type changeListener struct {
	ctx context.Context
	fn  func()
}

// Store is the single authority over the sinks of a content.
type Store struct {
	pipeline      types.MediaPipeline
	nativeTypes   []types.TrackType
	customFactory CustomBufferFactory
	logger        logger.Logger
	metrics       *metrics.Metrics
	serial        events.Serial

	mu        sync.Mutex
	natives   map[types.TrackType]*slot
	customs   map[types.TrackType]*SegmentSink
	listeners []*changeListener

	// changed is closed and replaced each time a native slot changes
	changed chan struct{}
}

// NewStore creates a Store attaching native sinks to p. Video is a mandatory
// native type only when hasVideo is set; audio always is.
func NewStore(p types.MediaPipeline, hasVideo bool, opts StoreOptions) *Store {
	nativeTypes := []types.TrackType{types.TrackAudio}
	if hasVideo {
		nativeTypes = []types.TrackType{types.TrackVideo, types.TrackAudio}
	}

	factory := opts.CustomBufferFactory
	if factory == nil {
		factory = func(trackType types.TrackType, codec string) (types.MediaBuffer, error) {
			return pipeline.NewBuffer(trackType, codec, 0), nil
		}
	}

	return &Store{
		pipeline:      p,
		nativeTypes:   nativeTypes,
		customFactory: factory,
		logger:        logger.OrDefault(opts.Logger).With(logger.Component("sink-store")),
		metrics:       opts.Metrics,
		natives: map[types.TrackType]*slot{
			types.TrackVideo: {status: StatusUninitialized},
			types.TrackAudio: {status: StatusUninitialized},
		},
		customs: make(map[types.TrackType]*SegmentSink),
		changed: make(chan struct{}),
	}
}

// NativeTypes returns the native types that must be initialized or disabled
// before the buffers are usable.
func (s *Store) NativeTypes() []types.TrackType {
	out := make([]types.TrackType, len(s.nativeTypes))
	copy(out, s.nativeTypes)
	return out
}

// Status returns the state of the sink slot for trackType
func (s *Store) Status(trackType types.TrackType) SinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trackType.IsNative() {
		sl := s.natives[trackType]
		return SinkStatus{Status: sl.status, Sink: sl.sink}
	}
	if sk, ok := s.customs[trackType]; ok {
		return SinkStatus{Status: StatusInitialized, Sink: sk}
	}
	return SinkStatus{Status: StatusUninitialized}
}

// CreateSink returns the sink of trackType, creating it on first need. An
// existing sink is returned unchanged even when codec differs.
func (s *Store) CreateSink(trackType types.TrackType, codec string) (*SegmentSink, error) {
	if !trackType.IsKnown() {
		return nil, errors.NewUnknownBufferTypeError(trackType.String())
	}
	if trackType.IsNative() {
		return s.createNativeSink(trackType, codec)
	}
	return s.createCustomSink(trackType, codec)
}

func (s *Store) createNativeSink(trackType types.TrackType, codec string) (*SegmentSink, error) {
	s.mu.Lock()
	sl := s.natives[trackType]
	if sl.status == StatusInitialized {
		existing := sl.sink
		s.mu.Unlock()
		if existing.Codec() != codec {
			s.logger.Warn("Reusing native sink with a different codec",
				logger.String("type", trackType.String()),
				logger.String("current_codec", existing.Codec()),
				logger.String("wanted_codec", codec),
			)
		} else {
			s.logger.Info("Reusing native sink", logger.String("type", trackType.String()))
		}
		return existing, nil
	}
	if sl.status == StatusDisabled {
		s.mu.Unlock()
		return nil, errors.NewInvalidStateError(fmt.Sprintf("cannot create a disabled %s sink", trackType))
	}

	buffer, err := s.pipeline.AddBuffer(trackType, codec)
	if err != nil {
		s.mu.Unlock()
		return nil, errors.Wrap(errors.ErrCodeBufferAppendError, "failed to attach native buffer", err).AsFatal()
	}
	sk := newSegmentSink(trackType, codec, buffer, s.logger)
	sl.status = StatusInitialized
	sl.sink = sk
	s.signalNativeChangeLocked()
	n := s.activeCountLocked()
	s.mu.Unlock()

	s.logger.Info("Native sink created",
		logger.String("type", trackType.String()),
		logger.String("codec", codec),
	)
	s.metrics.SetActiveSinks(n)
	s.notifyListeners()
	return sk, nil
}

func (s *Store) createCustomSink(trackType types.TrackType, codec string) (*SegmentSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.customs[trackType]; ok {
		s.logger.Info("Reusing custom sink", logger.String("type", trackType.String()))
		return existing, nil
	}

	buffer, err := s.customFactory(trackType, codec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBufferAppendError, "failed to create custom buffer", err).AsFatal()
	}
	sk := newSegmentSink(trackType, codec, buffer, s.logger)
	s.customs[trackType] = sk
	s.metrics.SetActiveSinks(s.activeCountLocked())

	s.logger.Info("Custom sink created", logger.String("type", trackType.String()))
	return sk, nil
}

// DisableSink marks an uninitialized native type as absent for this
// content. Disabling an existing sink is an error.
func (s *Store) DisableSink(trackType types.TrackType) error {
	if !trackType.IsKnown() {
		return errors.NewUnknownBufferTypeError(trackType.String())
	}

	s.mu.Lock()
	if !trackType.IsNative() {
		_, exists := s.customs[trackType]
		s.mu.Unlock()
		if exists {
			return errors.NewInvalidStateError(fmt.Sprintf("cannot disable the active %s sink", trackType))
		}
		s.logger.Warn("Disabling a custom sink has no effect", logger.String("type", trackType.String()))
		return nil
	}

	sl := s.natives[trackType]
	switch sl.status {
	case StatusInitialized:
		s.mu.Unlock()
		return errors.NewInvalidStateError(fmt.Sprintf("cannot disable the active %s sink", trackType))
	case StatusDisabled:
		s.mu.Unlock()
		s.logger.Warn("Sink already disabled", logger.String("type", trackType.String()))
		return nil
	}
	sl.status = StatusDisabled
	s.signalNativeChangeLocked()
	s.mu.Unlock()

	s.logger.Info("Native sink disabled", logger.String("type", trackType.String()))
	s.notifyListeners()
	return nil
}

// DisposeSink releases the sink of trackType. It is a no-op, with a
// warning, when there is none.
func (s *Store) DisposeSink(trackType types.TrackType) {
	s.mu.Lock()
	var sk *SegmentSink
	if trackType.IsNative() {
		sl := s.natives[trackType]
		if sl.status == StatusInitialized {
			sk = sl.sink
			sl.status = StatusUninitialized
			sl.sink = nil
		}
	} else if existing, ok := s.customs[trackType]; ok {
		sk = existing
		delete(s.customs, trackType)
	}
	n := s.activeCountLocked()
	s.mu.Unlock()

	if sk == nil {
		s.logger.Warn("No sink to dispose", logger.String("type", trackType.String()))
		return
	}
	s.metrics.SetActiveSinks(n)
	if err := sk.Dispose(); err != nil {
		s.logger.Error("Failed to dispose sink",
			logger.String("type", trackType.String()),
			logger.Err(err),
		)
		return
	}
	s.logger.Info("Sink disposed", logger.String("type", trackType.String()))
}

// DisposeAll releases every sink. Disabled slots stay disabled.
func (s *Store) DisposeAll() {
	for _, t := range types.AllTrackTypes {
		if s.Status(t).Status == StatusInitialized {
			s.DisposeSink(t)
		}
	}
}

// AreNativeBuffersUsable reports whether every mandatory native type is
// initialized or disabled, with at least one initialized.
func (s *Store) AreNativeBuffersUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

// WaitForUsableBuffers blocks until AreNativeBuffersUsable is true or ctx
// is done.
func (s *Store) WaitForUsableBuffers(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.usableLocked() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return errors.NewCanceledError(ctx.Err())
		}
	}
}

// OnNativeSinkChange registers fn, called each time a native sink is added
// or disabled, until ctx is done.
func (s *Store) OnNativeSinkChange(ctx context.Context, fn func()) {
	l := &changeListener{ctx: ctx, fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range s.listeners {
			if other == l {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	})
}

func (s *Store) usableLocked() bool {
	initialized := false
	for _, t := range s.nativeTypes {
		switch s.natives[t].status {
		case StatusUninitialized:
			return false
		case StatusInitialized:
			initialized = true
		}
	}
	return initialized
}

func (s *Store) activeCountLocked() int {
	n := len(s.customs)
	for _, sl := range s.natives {
		if sl.status == StatusInitialized {
			n++
		}
	}
	return n
}

func (s *Store) signalNativeChangeLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) notifyListeners() {
	s.mu.Lock()
	ls := make([]*changeListener, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()

	s.serial.Post(func() {
		for _, l := range ls {
			if l.ctx.Err() == nil {
				l.fn()
			}
		}
	})
}
