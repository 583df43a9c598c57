// Package downloading schedules the segment requests of one Representation:
// at most one initialization request and one media request in flight, media
// parsing always waiting for the initialization metadata.
package downloading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/events"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

// QueueItem is the wanted state of the queue, most urgent media segment first.
type QueueItem struct {
	InitSegment  *types.QueuedSegment
	SegmentQueue []types.QueuedSegment
}

// RequestRetryEvent is emitted on each transient request failure.
type RequestRetryEvent struct {
	Segment types.Segment
	Err     error
}

// ParsedInitSegmentEvent is emitted once the initialization segment is parsed.
type ParsedInitSegmentEvent struct {
	Segment   types.Segment
	Data      []byte
	Timescale *uint64
}

// ParsedMediaSegmentEvent is emitted for each parsed media chunk.
type ParsedMediaSegmentEvent struct {
	Segment types.Segment
	Parsed  types.ParsedSegment
}

// Callbacks receive the events of a Queue. They are called one at a time,
// in emission order, and may call back into the Queue. Nil callbacks are
// skipped.
type Callbacks struct {
	OnEmptyQueue         func()
	OnRequestRetry       func(RequestRetryEvent)
	OnFullyLoadedSegment func(types.Segment)
	OnParsedInitSegment  func(ParsedInitSegmentEvent)
	OnParsedMediaSegment func(ParsedMediaSegmentEvent)
	OnError              func(error)
}

// Options carries the optional collaborators of a Queue.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Queue is the downloading queue of one Representation.
type Queue struct {
	content        types.StreamContent
	fetcher        types.SegmentFetcher
	hasInitSegment bool
	callbacks      Callbacks
	logger         logger.Logger
	metrics        *metrics.Metrics
	serial         events.Serial

	// initInfo is set once the initialization segment is parsed, or at
	// construction when there is none
	initInfo *reference.Known[*types.InitSegmentInfo]

	mu           sync.Mutex
	wanted       QueueItem
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	stopped      bool
	media        *request
	init         *request
	parsedInitID string
	emptyEmitted bool
}

// New creates a Queue. When hasInitSegment is false, media segments are
// parsed right away without initialization metadata.
func New(content types.StreamContent, fetcher types.SegmentFetcher, hasInitSegment bool, callbacks Callbacks, opts Options) *Queue {
	q := &Queue{
		content:        content,
		fetcher:        fetcher,
		hasInitSegment: hasInitSegment,
		callbacks:      callbacks,
		logger: logger.OrDefault(opts.Logger).With(
			logger.Component("downloading-queue"),
			logger.String("type", content.Adaptation.Type.String()),
			logger.String("representation", content.Representation.ID),
		),
		metrics:  opts.Metrics,
		initInfo: reference.NewKnown[*types.InitSegmentInfo](),
	}
	if !hasInitSegment {
		q.initInfo.Set(nil)
	}
	return q
}

// Start begins processing the wanted queue. It must be called once.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.NewInvalidStateError("downloading queue already started")
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	wanted := q.wanted
	q.mu.Unlock()

	context.AfterFunc(q.ctx, q.Stop)

	if wanted.InitSegment != nil {
		q.handleInitUpdate(wanted)
	}
	q.handleMediaUpdate(wanted)
	return nil
}

// UpdateQueue replaces the wanted queue. The in-flight media request is
// kept when the most urgent segment is unchanged, only its priority being
// updated; otherwise it is cancelled in favor of the new head.
func (q *Queue) UpdateQueue(item QueueItem) {
	q.mu.Lock()
	q.wanted = cloneItem(item)
	running := q.started && !q.stopped
	q.mu.Unlock()

	if !running {
		return
	}
	q.handleInitUpdate(item)
	q.handleMediaUpdate(item)
}

// Stop cancels every pending request. No event is emitted afterwards.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	media, init := q.media, q.init
	q.media, q.init = nil, nil
	cancel := q.cancel
	q.mu.Unlock()

	media.abort()
	init.abort()
	if cancel != nil {
		cancel()
	}
	q.logger.Debug("Downloading queue stopped")
}

// InitSegmentInfo returns the parsed initialization metadata, if known
func (q *Queue) InitSegmentInfo() (*types.InitSegmentInfo, bool) {
	return q.initInfo.Get()
}

// Content returns the stream content the queue loads segments of
func (q *Queue) Content() types.StreamContent {
	return q.content
}

func (q *Queue) handleMediaUpdate(item QueueItem) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	current := q.media
	if current != nil && len(item.SegmentQueue) > 0 && item.SegmentQueue[0].Segment.ID == current.segment.ID {
		q.mu.Unlock()
		newPriority := item.SegmentQueue[0].Priority
		if current.updatePriority(newPriority) {
			q.logger.Debug("Updating media request priority",
				logger.String("segment", current.segment.ID),
				logger.Int("priority", newPriority),
			)
			if p := current.getPending(); p != nil {
				q.fetcher.UpdatePriority(p, newPriority)
			}
		}
		return
	}
	q.media = nil
	q.mu.Unlock()

	if current != nil {
		q.logger.Debug("Cancelling media request", logger.String("segment", current.segment.ID))
		current.abort()
	}
	q.requestNextMediaSegment()
}

func (q *Queue) handleInitUpdate(item QueueItem) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	current := q.init
	if item.InitSegment == nil {
		q.init = nil
		q.mu.Unlock()
		current.abort()
		return
	}

	wanted := *item.InitSegment
	if wanted.Segment.ID == q.parsedInitID {
		q.mu.Unlock()
		return
	}
	if current != nil && current.segment.ID == wanted.Segment.ID {
		q.mu.Unlock()
		if current.updatePriority(wanted.Priority) {
			if p := current.getPending(); p != nil {
				q.fetcher.UpdatePriority(p, wanted.Priority)
			}
		}
		return
	}
	q.init = nil
	q.mu.Unlock()

	current.abort()
	q.requestInitSegment(wanted)
}

// requestNextMediaSegment starts the request of the queue's head, or
// signals that the queue is empty.
func (q *Queue) requestNextMediaSegment() {
	q.mu.Lock()
	if q.stopped || q.media != nil {
		q.mu.Unlock()
		return
	}
	if len(q.wanted.SegmentQueue) == 0 {
		alreadyEmitted := q.emptyEmitted
		q.emptyEmitted = true
		q.mu.Unlock()
		if !alreadyEmitted {
			q.emit(nil, func() {
				if q.callbacks.OnEmptyQueue != nil {
					q.callbacks.OnEmptyQueue()
				}
			})
		}
		return
	}
	q.emptyEmitted = false
	head := q.wanted.SegmentQueue[0]
	r := newRequest(q.ctx, head)
	q.media = r
	q.mu.Unlock()

	q.logger.Debug("Requesting media segment",
		logger.String("segment", head.Segment.ID),
		logger.Int("priority", head.Priority),
	)
	q.metrics.IncSegmentRequests(q.content.Adaptation.Type.String(), false)

	// Chunks received before the init metadata are held back. Once it is
	// known, the held-back chunks are parsed in order and released is
	// closed; chunks and the completion signal arriving meanwhile wait for it.
	var (
		chunksMu sync.Mutex
		pending  []types.ChunkParser
		complete bool
		waiting  = !q.initInfo.IsSet()
		released = make(chan struct{})
	)
	if !waiting {
		close(released)
	}
	awaitRelease := func() bool {
		select {
		case <-released:
			return true
		case <-r.ctx.Done():
			return false
		}
	}

	callbacks := types.RequestCallbacks{
		OnRetry: func(err error) { q.onRetry(r, err) },
		BeforeInterrupted: func() {
			q.logger.Debug("Media request interrupted", logger.String("segment", head.Segment.ID))
		},
		OnChunk: func(parse types.ChunkParser) {
			chunksMu.Lock()
			if waiting {
				pending = append(pending, parse)
				chunksMu.Unlock()
				return
			}
			chunksMu.Unlock()
			if !awaitRelease() {
				return
			}
			info, _ := q.initInfo.Get()
			q.parseMediaChunk(r, parse, info)
		},
		OnAllChunksReceived: func() {
			chunksMu.Lock()
			if waiting {
				complete = true
				chunksMu.Unlock()
				return
			}
			chunksMu.Unlock()
			if !awaitRelease() {
				return
			}
			q.emitFullyLoaded(r)
		},
		BeforeEnded: func() {
			q.metrics.ObserveSegmentLoad(q.content.Adaptation.Type.String(), time.Since(r.startedAt).Seconds())
		},
	}

	if waiting {
		q.initInfo.OnceSet(q.ctx, func(info *types.InitSegmentInfo) {
			defer close(released)

			chunksMu.Lock()
			waiting = false
			toParse := pending
			pending = nil
			wasComplete := complete
			chunksMu.Unlock()

			for _, parse := range toParse {
				q.parseMediaChunk(r, parse, info)
			}
			if wasComplete {
				q.emitFullyLoaded(r)
			}
		})
	}

	r.setPending(q.fetcher.CreateRequest(r.ctx, q.segmentContext(head.Segment), head.Priority, callbacks))
	go q.watchMediaRequest(r)
}

func (q *Queue) watchMediaRequest(r *request) {
	pending := r.getPending()
	<-pending.Done()
	err := pending.Err()
	if !r.complete() {
		return
	}

	if err != nil {
		q.onRequestFailure(r, err)
		return
	}

	q.mu.Lock()
	if q.stopped || q.media != r {
		q.mu.Unlock()
		return
	}
	q.media = nil
	if len(q.wanted.SegmentQueue) > 0 && q.wanted.SegmentQueue[0].Segment.ID == r.segment.ID {
		q.wanted.SegmentQueue = q.wanted.SegmentQueue[1:]
	}
	q.mu.Unlock()

	q.requestNextMediaSegment()
}

func (q *Queue) requestInitSegment(wanted types.QueuedSegment) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	r := newRequest(q.ctx, wanted)
	q.init = r
	q.mu.Unlock()

	q.logger.Debug("Requesting init segment",
		logger.String("segment", wanted.Segment.ID),
		logger.Int("priority", wanted.Priority),
	)
	q.metrics.IncSegmentRequests(q.content.Adaptation.Type.String(), true)

	callbacks := types.RequestCallbacks{
		OnRetry: func(err error) { q.onRetry(r, err) },
		BeforeInterrupted: func() {
			q.logger.Debug("Init request interrupted", logger.String("segment", wanted.Segment.ID))
		},
		OnChunk: func(parse types.ChunkParser) {
			q.parseInitChunk(r, parse)
		},
		OnAllChunksReceived: func() {
			q.emitFullyLoaded(r)
		},
		BeforeEnded: func() {
			q.metrics.ObserveSegmentLoad(q.content.Adaptation.Type.String(), time.Since(r.startedAt).Seconds())
		},
	}

	r.setPending(q.fetcher.CreateRequest(r.ctx, q.segmentContext(wanted.Segment), wanted.Priority, callbacks))
	go q.watchInitRequest(r)
}

func (q *Queue) watchInitRequest(r *request) {
	pending := r.getPending()
	<-pending.Done()
	err := pending.Err()
	if !r.complete() {
		return
	}
	if err != nil {
		q.onRequestFailure(r, err)
		return
	}

	q.mu.Lock()
	if q.init == r {
		q.init = nil
	}
	q.mu.Unlock()
}

func (q *Queue) parseInitChunk(r *request, parse types.ChunkParser) {
	if r.isAborted() {
		return
	}
	parsed, err := parse(nil)
	if err == nil && parsed.Kind != types.ParsedInit {
		err = fmt.Errorf("expected an initialization segment, got a media chunk")
	}
	if err != nil {
		q.fail(errors.Wrap(errors.ErrCodeSegmentParsingError, "failed to parse init segment "+r.segment.ID, err).AsFatal())
		return
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.parsedInitID = r.segment.ID
	q.mu.Unlock()

	evt := ParsedInitSegmentEvent{
		Segment:   r.segment,
		Data:      parsed.InitData,
		Timescale: parsed.InitTimescale,
	}
	q.emit(r, func() {
		if q.callbacks.OnParsedInitSegment != nil {
			q.callbacks.OnParsedInitSegment(evt)
		}
	})

	info := &types.InitSegmentInfo{}
	if parsed.InitTimescale != nil {
		info.Timescale = *parsed.InitTimescale
		info.HasTimescale = true
	}
	q.initInfo.Set(info)
}

func (q *Queue) parseMediaChunk(r *request, parse types.ChunkParser, info *types.InitSegmentInfo) {
	if r.isAborted() {
		return
	}
	parsed, err := parse(info)
	if err == nil && parsed.Kind != types.ParsedMedia {
		err = fmt.Errorf("expected a media chunk, got an initialization segment")
	}
	if err != nil {
		q.fail(errors.Wrap(errors.ErrCodeSegmentParsingError, "failed to parse segment "+r.segment.ID, err).AsFatal())
		return
	}

	evt := ParsedMediaSegmentEvent{Segment: r.segment, Parsed: parsed}
	q.emit(r, func() {
		if q.callbacks.OnParsedMediaSegment != nil {
			q.callbacks.OnParsedMediaSegment(evt)
		}
	})
}

func (q *Queue) emitFullyLoaded(r *request) {
	seg := r.segment
	q.emit(r, func() {
		if q.callbacks.OnFullyLoadedSegment != nil {
			q.callbacks.OnFullyLoadedSegment(seg)
		}
	})
}

func (q *Queue) onRetry(r *request, err error) {
	if r.isAborted() {
		return
	}
	q.logger.Warn("Segment request failed, retrying",
		logger.String("segment", r.segment.ID),
		logger.Err(err),
	)
	q.metrics.IncSegmentRetries(q.content.Adaptation.Type.String())
	evt := RequestRetryEvent{Segment: r.segment, Err: err}
	q.emit(r, func() {
		if q.callbacks.OnRequestRetry != nil {
			q.callbacks.OnRequestRetry(evt)
		}
	})
}

func (q *Queue) onRequestFailure(r *request, err error) {
	if errors.IsCanceled(err) {
		return
	}
	q.metrics.IncSegmentFailures(q.content.Adaptation.Type.String())
	q.fail(errors.Wrap(errors.GetErrorCode(err), "segment request failed for "+r.segment.ID, err).AsFatal())
}

// fail stops the queue and reports err, once.
func (q *Queue) fail(err error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.logger.Error("Downloading queue failed", logger.Err(err))
	q.Stop()
	q.serial.Post(func() {
		if q.callbacks.OnError != nil {
			q.callbacks.OnError(err)
		}
	})
}

// emit delivers an event unless the queue was stopped or r aborted in the meantime.
func (q *Queue) emit(r *request, fn func()) {
	q.serial.Post(func() {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped || r.isAborted() {
			return
		}
		fn()
	})
}

func (q *Queue) segmentContext(seg types.Segment) types.SegmentContext {
	return types.SegmentContext{StreamContent: q.content, Segment: seg}
}

func cloneItem(item QueueItem) QueueItem {
	out := QueueItem{InitSegment: item.InitSegment}
	if item.InitSegment != nil {
		init := *item.InitSegment
		out.InitSegment = &init
	}
	out.SegmentQueue = make([]types.QueuedSegment, len(item.SegmentQueue))
	copy(out.SegmentQueue, item.SegmentQueue)
	return out
}
