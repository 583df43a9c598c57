package initializer

import (
	"math"
	"strconv"

	"github.com/aminofox/zenplay/pkg/abr"
	"github.com/aminofox/zenplay/pkg/downloading"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/sink"
	"github.com/aminofox/zenplay/pkg/types"
)

// segmentLister is implemented by segment indexes able to enumerate their
// segments over a time range.
type segmentLister interface {
	Segments(from, to float64) []types.Segment
}

// stream loads one track type. Every method runs on the session's work.
type stream struct {
	s         *session
	trackType types.TrackType
	logger    logger.Logger

	sink           *sink.SegmentSink
	period         *types.Period
	adaptation     *types.Adaptation
	representation *types.Representation
	queue          *downloading.Queue

	activePeriods  []*types.Period
	loaded         map[string]bool
	locked         map[string]bool
	lastPosition   float64
	finished       bool
	discontinuity  string
	noListerWarned bool
}

func newStream(s *session, trackType types.TrackType) *stream {
	return &stream{
		s:         s,
		trackType: trackType,
		logger:    s.logger.With(logger.String("type", trackType.String())),
		loaded:    make(map[string]bool),
		locked:    make(map[string]bool),
	}
}

func (st *stream) refresh(position float64) {
	if st.s.ctx.Err() != nil {
		return
	}
	st.lastPosition = position
	st.clearPastPeriods(position)

	target := st.targetPeriod(position)
	if target == nil {
		return
	}
	if st.period == nil || st.period.ID != target.ID {
		if !st.switchPeriod(target) {
			return
		}
	}

	goal := st.s.init.opts.BufferGoal
	for range st.s.init.manifest.Periods() {
		if st.adaptation != nil && !st.updateRepresentation() {
			return
		}

		item, remaining := st.wanted(position)
		if st.queue != nil {
			st.reportDiscontinuity(position)
		}
		if remaining > 0 || !st.indexEnded() {
			st.setFinished(false)
			st.updateQueue(item)
			return
		}

		next := st.s.init.manifest.GetPeriodAfter(st.period)
		if next == nil {
			st.updateQueue(item)
			if st.s.init.manifest.IsLastPeriodKnown() {
				st.setFinished(true)
			}
			return
		}
		if next.Start >= position+goal {
			st.updateQueue(item)
			return
		}
		if !st.switchPeriod(next) {
			return
		}
	}
}

// targetPeriod returns the Period to load. The current one is kept while
// position is inside it, or inside an earlier Period already loaded.
func (st *stream) targetPeriod(position float64) *types.Period {
	periods := st.s.init.manifest.Periods()
	if len(periods) == 0 {
		return nil
	}
	at := periodAt(periods, position)
	if st.period == nil || at.ID == st.period.ID {
		return at
	}
	if at.Start > st.period.Start {
		return at
	}
	if st.hasMissingSegments(at, position) {
		return at
	}
	return st.period
}

func (st *stream) switchPeriod(p *types.Period) bool {
	st.stopQueue()
	st.period = p
	st.representation = nil
	st.discontinuity = ""
	if !containsPeriod(st.activePeriods, p) {
		st.activePeriods = append(st.activePeriods, p)
	}

	adaptation, rep := st.choose(p)
	st.adaptation = adaptation
	st.s.boundaries.OnAdaptationChange(st.trackType, p, adaptation)

	if adaptation == nil {
		if len(p.AdaptationsFor(st.trackType)) > 0 && !st.locked[p.ID] {
			st.locked[p.ID] = true
			st.logger.Warn("No playable representation in period", logger.String("period", p.ID))
			st.s.controller.OnLockedStream(st.trackType, p)
		}
		st.s.boundaries.OnRepresentationChange(st.trackType, p)
		// a native slot left unset would hold back the initial seek
		if st.trackType.IsNative() && st.sink == nil {
			if codec, ok := firstPlayableCodec(st.s.init.manifest, st.trackType); ok {
				return st.ensureSink(codec)
			}
		}
		return true
	}
	return st.startRepresentation(rep)
}

func (st *stream) ensureSink(codec string) bool {
	if st.sink != nil {
		return true
	}
	sk, err := st.s.store.CreateSink(st.trackType, codec)
	if err != nil {
		st.s.init.handleError(st.s, errors.Wrap(errors.GetErrorCode(err), "failed to create sink", err).AsFatal())
		return false
	}
	st.sink = sk
	return true
}

// choose returns the first Adaptation of p with a playable Representation
// and the Representation fitting the bandwidth estimate.
func (st *stream) choose(p *types.Period) (*types.Adaptation, *types.Representation) {
	bandwidth := st.s.init.opts.Estimator.Estimate()
	for _, a := range p.AdaptationsFor(st.trackType) {
		if rep := abr.SelectRepresentation(a.Representations, bandwidth); rep != nil {
			return a, rep
		}
	}
	return nil, nil
}

// updateRepresentation switches Representation when the bandwidth estimate
// selects another one. It returns false when nothing can be loaded.
func (st *stream) updateRepresentation() bool {
	if st.representation != nil && !st.representation.IsPlayable() {
		// the buffer holds data of it: wait for the reload
		return false
	}
	best := abr.SelectRepresentation(st.adaptation.Representations, st.s.init.opts.Estimator.Estimate())
	if best == nil {
		return false
	}
	if st.representation != nil && best.ID == st.representation.ID {
		return true
	}
	if st.representation != nil {
		st.logger.Info("Switching representation",
			logger.String("from", st.representation.ID),
			logger.String("to", best.ID),
		)
	}
	st.stopQueue()
	return st.startRepresentation(best)
}

func (st *stream) startRepresentation(rep *types.Representation) bool {
	if !st.ensureSink(rep.Codec) {
		return false
	}

	st.representation = rep
	content := types.StreamContent{
		Manifest:       st.s.init.manifest,
		Period:         st.period,
		Adaptation:     st.adaptation,
		Representation: rep,
	}
	q := downloading.New(content, st.s.init.opts.Fetcher, rep.HasInitSegment(), st.queueCallbacks(content), downloading.Options{
		Logger:  st.logger,
		Metrics: st.s.init.metrics,
	})
	if err := q.Start(st.s.ctx); err != nil {
		st.s.init.handleError(st.s, err)
		return false
	}
	st.queue = q
	st.s.boundaries.OnRepresentationChange(st.trackType, st.period)
	return true
}

func (st *stream) queueCallbacks(content types.StreamContent) downloading.Callbacks {
	period := content.Period
	rep := content.Representation
	initID := ""
	if init := rep.Index.InitSegment(); init != nil {
		initID = init.ID
	}

	return downloading.Callbacks{
		OnParsedInitSegment: func(evt downloading.ParsedInitSegmentEvent) {
			st.push(sink.PushChunkInfos{
				Data:          evt.Data,
				InitSegmentID: evt.Segment.ID,
				IsInit:        true,
				Codec:         rep.Codec,
			})
		},
		OnParsedMediaSegment: func(evt downloading.ParsedMediaSegmentEvent) {
			st.push(sink.PushChunkInfos{
				Data:            evt.Parsed.ChunkData,
				InitSegmentID:   initID,
				Codec:           rep.Codec,
				TimestampOffset: evt.Parsed.ChunkOffset,
				AppendWindow:    evt.Parsed.AppendWindow,
				ChunkInfo:       evt.Parsed.ChunkInfo,
			})
		},
		OnFullyLoadedSegment: func(seg types.Segment) {
			if seg.IsInit {
				return
			}
			st.s.work.Post(func() {
				st.loaded[segmentKey(period, seg)] = true
				st.refresh(st.lastPosition)
			})
		},
		OnEmptyQueue: func() {
			st.logger.Debug("Downloading queue empty", logger.String("period", period.ID))
		},
		OnRequestRetry: func(evt downloading.RequestRetryEvent) {
			st.s.init.handleError(st.s, evt.Err)
		},
		OnError: func(err error) {
			st.s.init.handleError(st.s, err)
		},
	}
}

func (st *stream) push(infos sink.PushChunkInfos) {
	if _, err := st.sink.PushChunk(st.s.ctx, infos); err != nil {
		st.s.init.handleError(st.s, err)
	}
}

// wanted computes the segments to load from position up to the buffer goal
// within the current Period. remaining counts every segment of the Period
// after position not loaded yet.
func (st *stream) wanted(position float64) (downloading.QueueItem, int) {
	var item downloading.QueueItem
	if st.representation == nil {
		return item, 0
	}
	lister, ok := st.lister()
	if !ok {
		return item, 0
	}

	if init := st.representation.Index.InitSegment(); init != nil {
		item.InitSegment = &types.QueuedSegment{Segment: *init}
	}

	from := math.Max(position, st.period.Start)
	periodEnd := st.period.EndOr(math.Inf(1))
	goalEnd := math.Min(position+st.s.init.opts.BufferGoal, periodEnd)

	remaining := 0
	for _, seg := range lister.Segments(from, periodEnd) {
		if st.loaded[segmentKey(st.period, seg)] {
			continue
		}
		remaining++
		if seg.Time < goalEnd {
			item.SegmentQueue = append(item.SegmentQueue, types.QueuedSegment{
				Segment:  seg,
				Priority: int(math.Max(0, seg.Time-position)),
			})
		}
	}
	return item, remaining
}

func (st *stream) hasMissingSegments(p *types.Period, position float64) bool {
	for _, a := range p.AdaptationsFor(st.trackType) {
		for _, rep := range a.Representations {
			lister, ok := rep.Index.(segmentLister)
			if !ok {
				continue
			}
			for _, seg := range lister.Segments(position, p.EndOr(math.Inf(1))) {
				if !st.loaded[segmentKey(p, seg)] {
					return true
				}
			}
			return false
		}
	}
	return false
}

func (st *stream) lister() (segmentLister, bool) {
	lister, ok := st.representation.Index.(segmentLister)
	if !ok && !st.noListerWarned {
		st.noListerWarned = true
		st.logger.Warn("Segment index cannot list segments", logger.String("representation", st.representation.ID))
	}
	return lister, ok
}

func (st *stream) indexEnded() bool {
	if st.representation == nil {
		return true
	}
	_, ok := st.representation.Index.GetEnd()
	return ok
}

// reportDiscontinuity tells the rebuffering controller about a hole in the
// segment index at position, when it changed since the last report.
func (st *stream) reportDiscontinuity(position float64) {
	if !st.period.ContainsTime(position) {
		return
	}
	lister, ok := st.lister()
	if !ok {
		return
	}

	var d *types.Discontinuity
	if len(lister.Segments(position, position+ranges.Epsilon)) == 0 {
		after := lister.Segments(position, st.period.EndOr(math.Inf(1)))
		switch {
		case len(after) > 0:
			end := after[0].Time
			d = &types.Discontinuity{End: &end}
		case st.indexEnded() && st.period.End != nil:
			d = &types.Discontinuity{}
		}
	}

	key := discontinuityKey(d)
	if key == st.discontinuity {
		return
	}
	st.discontinuity = key
	st.s.controller.UpdateDiscontinuityInfo(types.DiscontinuityEvent{
		Period:        st.period,
		TrackType:     st.trackType,
		Discontinuity: d,
		Position:      position,
	})
}

// clearPastPeriods drops the Periods entirely behind position
func (st *stream) clearPastPeriods(position float64) {
	kept := st.activePeriods[:0]
	for _, p := range st.activePeriods {
		if p.End != nil && *p.End <= position && (st.period == nil || p.ID != st.period.ID) {
			st.s.boundaries.OnPeriodCleared(st.trackType, p)
			continue
		}
		kept = append(kept, p)
	}
	st.activePeriods = kept
}

func (st *stream) setFinished(finished bool) {
	if finished == st.finished {
		return
	}
	st.finished = finished
	if finished {
		st.s.boundaries.OnLastSegmentFinishedLoading(st.trackType)
	} else {
		st.s.boundaries.OnLastSegmentLoadingResume(st.trackType)
	}
}

func (st *stream) updateQueue(item downloading.QueueItem) {
	if st.queue != nil {
		st.queue.UpdateQueue(item)
	}
}

func (st *stream) stopQueue() {
	if st.queue != nil {
		st.queue.Stop()
		st.queue = nil
	}
}

func (st *stream) stop() {
	st.stopQueue()
}

func segmentKey(p *types.Period, seg types.Segment) string {
	return p.ID + "/" + seg.ID
}

func discontinuityKey(d *types.Discontinuity) string {
	if d == nil {
		return ""
	}
	if d.End == nil {
		return "period-end"
	}
	return strconv.FormatFloat(*d.End, 'f', -1, 64)
}

func containsPeriod(periods []*types.Period, p *types.Period) bool {
	for _, cur := range periods {
		if cur.ID == p.ID {
			return true
		}
	}
	return false
}
