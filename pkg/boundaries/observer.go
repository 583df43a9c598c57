// Package boundaries derives the content duration, the end of the stream
// and the current Period from what each track type is actively loading.
package boundaries

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/types"
)

// Duration is the content duration as currently known. IsEnd is false when
// the duration is only the maximum position reachable for now.
type Duration struct {
	Duration float64
	IsEnd    bool
}

// Callbacks receive the events of an Observer, one at a time. Nil
// callbacks are skipped.
type Callbacks struct {
	OnPeriodChange   func(*types.Period)
	OnDurationUpdate func(Duration)
	OnEndOfStream    func()
	OnResumeStream   func()
	OnWarning        func(error)
}

type streamInfo struct {
	// activePeriods is sorted by start
	activePeriods []*types.Period

	finishedLoadingLastPeriod bool
}

// Observer tracks the Periods actively loaded per track type.
type Observer struct {
	manifest  types.Manifest
	callbacks Callbacks
	logger    logger.Logger
	serial    events.Serial
	positions *positionCalculator

	mu                  sync.Mutex
	trackTypes          []types.TrackType
	streams             map[types.TrackType]*streamInfo
	currentPeriodID     string
	lastDuration        *Duration
	endOfStreamNotified bool
	disposed            bool
}

// New creates an Observer for the given track types. Every type must have
// an active Period for a Period to be considered current.
func New(manifest types.Manifest, trackTypes []types.TrackType, callbacks Callbacks, log logger.Logger) *Observer {
	tt := make([]types.TrackType, len(trackTypes))
	copy(tt, trackTypes)
	return &Observer{
		manifest:   manifest,
		callbacks:  callbacks,
		logger:     logger.OrDefault(log).With(logger.Component("boundaries")),
		positions:  newPositionCalculator(manifest),
		trackTypes: tt,
		streams:    make(map[types.TrackType]*streamInfo),
	}
}

// CurrentDuration returns the content duration as currently known
func (o *Observer) CurrentDuration() Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.durationLocked()
}

// OnAdaptationChange records the Adaptation chosen for a Period. A nil
// adaptation means the type is absent from that Period.
func (o *Observer) OnAdaptationChange(trackType types.TrackType, period *types.Period, adaptation *types.Adaptation) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	if o.manifest.IsLastPeriodKnown() {
		periods := o.manifest.Periods()
		if len(periods) > 0 && periods[len(periods)-1].ID == period.ID {
			switch trackType {
			case types.TrackAudio:
				o.positions.updateLastAudioAdaptation(adaptation)
			case types.TrackVideo:
				o.positions.updateLastVideoAdaptation(adaptation)
			}
		}
	}
	emit := o.checkDurationLocked()
	o.mu.Unlock()
	emit()
}

// OnRepresentationChange marks period as actively loaded for trackType
func (o *Observer) OnRepresentationChange(trackType types.TrackType, period *types.Period) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	info := o.streamLocked(trackType)
	if !containsPeriod(info.activePeriods, period) {
		info.activePeriods = append(info.activePeriods, period)
		sort.SliceStable(info.activePeriods, func(i, j int) bool {
			return info.activePeriods[i].Start < info.activePeriods[j].Start
		})
	}
	emit := o.checkCurrentPeriodLocked()
	o.mu.Unlock()
	emit()
}

// OnPeriodCleared marks period as no longer loaded for trackType
func (o *Observer) OnPeriodCleared(trackType types.TrackType, period *types.Period) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	if info, ok := o.streams[trackType]; ok {
		for i, p := range info.activePeriods {
			if p.ID == period.ID {
				info.activePeriods = append(info.activePeriods[:i], info.activePeriods[i+1:]...)
				break
			}
		}
	}
	emit := o.checkCurrentPeriodLocked()
	o.mu.Unlock()
	emit()
}

// OnLastSegmentFinishedLoading records that trackType loaded the last
// segment of the last Period.
func (o *Observer) OnLastSegmentFinishedLoading(trackType types.TrackType) {
	o.setFinished(trackType, true)
}

// OnLastSegmentLoadingResume records that trackType loads segments of the
// last Period again.
func (o *Observer) OnLastSegmentLoadingResume(trackType types.TrackType) {
	o.setFinished(trackType, false)
}

// OnManifestUpdate re-evaluates the duration and end of stream
func (o *Observer) OnManifestUpdate() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	emitDuration := o.checkDurationLocked()
	emitEnd := o.checkEndOfStreamLocked()
	o.mu.Unlock()
	emitDuration()
	emitEnd()
}

// OnObservation warns when the wanted position is outside the Manifest's
// safe bounds.
func (o *Observer) OnObservation(obs types.Observation) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	maxPos := o.positions.maximumAvailable()
	o.mu.Unlock()

	position := obs.Position.Wanted
	var warning error
	if minPos := o.manifest.GetMinimumSafePosition(); position < minPos {
		warning = errors.New(errors.ErrCodeMediaTimeBeforeManifest,
			fmt.Sprintf("position %g is before the earliest time announced in the manifest (%g)", position, minPos))
	} else if position > maxPos {
		warning = errors.New(errors.ErrCodeMediaTimeAfterManifest,
			fmt.Sprintf("position %g is after the latest time announced in the manifest (%g)", position, maxPos))
	}
	if warning == nil {
		return
	}
	o.post(func() {
		if o.callbacks.OnWarning != nil {
			o.callbacks.OnWarning(warning)
		}
	})
}

// Dispose stops every event emission. It is idempotent.
func (o *Observer) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disposed = true
}

func (o *Observer) setFinished(trackType types.TrackType, finished bool) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.streamLocked(trackType).finishedLoadingLastPeriod = finished
	emit := o.checkEndOfStreamLocked()
	o.mu.Unlock()
	emit()
}

func (o *Observer) streamLocked(trackType types.TrackType) *streamInfo {
	info, ok := o.streams[trackType]
	if !ok {
		info = &streamInfo{}
		o.streams[trackType] = info
	}
	return info
}

// checkCurrentPeriodLocked looks for the earliest Period active in every
// track type and returns the emission to run once unlocked.
func (o *Observer) checkCurrentPeriodLocked() func() {
	if len(o.trackTypes) == 0 {
		return noop
	}
	first, ok := o.streams[o.trackTypes[0]]
	if !ok {
		return noop
	}
	for _, period := range first.activePeriods {
		inAll := true
		for _, t := range o.trackTypes[1:] {
			info, ok := o.streams[t]
			if !ok || !containsPeriod(info.activePeriods, period) {
				inAll = false
				break
			}
		}
		if !inAll {
			continue
		}
		if o.currentPeriodID == period.ID {
			return noop
		}
		o.currentPeriodID = period.ID
		o.logger.Info("Current period changed", logger.String("period", period.ID))
		p := period
		return func() {
			o.post(func() {
				if o.callbacks.OnPeriodChange != nil {
					o.callbacks.OnPeriodChange(p)
				}
			})
		}
	}
	return noop
}

func (o *Observer) checkEndOfStreamLocked() func() {
	if !o.manifest.IsLastPeriodKnown() {
		return noop
	}
	allFinished := true
	for _, t := range o.trackTypes {
		info, ok := o.streams[t]
		if !ok || !info.finishedLoadingLastPeriod {
			allFinished = false
			break
		}
	}

	if allFinished && !o.endOfStreamNotified {
		o.endOfStreamNotified = true
		o.logger.Info("All track types finished loading")
		return func() {
			o.post(func() {
				if o.callbacks.OnEndOfStream != nil {
					o.callbacks.OnEndOfStream()
				}
			})
		}
	}
	if !allFinished && o.endOfStreamNotified {
		o.endOfStreamNotified = false
		o.logger.Info("Loading resumed after end of stream")
		return func() {
			o.post(func() {
				if o.callbacks.OnResumeStream != nil {
					o.callbacks.OnResumeStream()
				}
			})
		}
	}
	return noop
}

func (o *Observer) checkDurationLocked() func() {
	d := o.durationLocked()
	if o.lastDuration != nil && *o.lastDuration == d {
		return noop
	}
	o.lastDuration = &d
	return func() {
		o.post(func() {
			if o.callbacks.OnDurationUpdate != nil {
				o.callbacks.OnDurationUpdate(d)
			}
		})
	}
}

func (o *Observer) durationLocked() Duration {
	if end, ok := o.positions.endingPosition(); ok {
		return Duration{Duration: end, IsEnd: true}
	}
	return Duration{Duration: o.positions.maximumAvailable(), IsEnd: false}
}

// post delivers an event unless the observer was disposed meanwhile
func (o *Observer) post(fn func()) {
	o.serial.Post(func() {
		o.mu.Lock()
		disposed := o.disposed
		o.mu.Unlock()
		if !disposed {
			fn()
		}
	})
}

func containsPeriod(periods []*types.Period, p *types.Period) bool {
	for _, other := range periods {
		if other.ID == p.ID {
			return true
		}
	}
	return false
}

func noop() {}
