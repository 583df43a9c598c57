// Package fetch loads segments for the downloading queues. It owns the retry
// policy and schedules requests by priority under a concurrency limit.
package fetch

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aminofox/zenplay/pkg/abr"
	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/types"
)

// Loader retrieves the bytes of one segment
type Loader interface {
	Load(ctx context.Context, segment types.Segment) ([]byte, error)
}

// Options configures a Fetcher
type Options struct {
	Config    config.FetchConfig
	Loader    Loader
	Parser    Parser
	Estimator abr.Estimator
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

// Fetcher implements types.SegmentFetcher
type Fetcher struct {
	cfg       config.FetchConfig
	loader    Loader
	parser    Parser
	estimator abr.Estimator
	logger    logger.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running int
	waiting []*Request
	seq     uint64
}

var _ types.SegmentFetcher = (*Fetcher)(nil)

// New creates a Fetcher. A nil Loader defaults to an HTTP loader and a nil
// Parser to PassthroughParser.
func New(opts Options) *Fetcher {
	if opts.Loader == nil {
		opts.Loader = NewHTTPLoader(nil)
	}
	if opts.Parser == nil {
		opts.Parser = PassthroughParser{}
	}
	if opts.Estimator == nil {
		opts.Estimator = abr.NewWeightedEstimator(10)
	}
	if opts.Config.MaxConcurrentRequests <= 0 {
		opts.Config.MaxConcurrentRequests = 1
	}
	if opts.Config.BackoffMultiplier < 1 {
		opts.Config.BackoffMultiplier = 1
	}

	return &Fetcher{
		cfg:       opts.Config,
		loader:    opts.Loader,
		parser:    opts.Parser,
		estimator: opts.Estimator,
		logger:    logger.OrDefault(opts.Logger).With(logger.Component("fetcher")),
		metrics:   opts.Metrics,
	}
}

// Estimator returns the bandwidth estimator fed by completed requests
func (f *Fetcher) Estimator() abr.Estimator {
	return f.estimator
}

// CreateRequest queues a request for content.Segment. The request starts
// once a slot is free and no waiting request has a lower priority number.
func (f *Fetcher) CreateRequest(ctx context.Context, content types.SegmentContext, priority int, callbacks types.RequestCallbacks) types.PendingRequest {
	r := &Request{
		id:        uuid.NewString(),
		ctx:       ctx,
		content:   content,
		callbacks: callbacks,
		priority:  priority,
		done:      make(chan struct{}),
	}

	f.mu.Lock()
	f.seq++
	r.seq = f.seq
	f.waiting = append(f.waiting, r)
	f.mu.Unlock()

	context.AfterFunc(ctx, func() { f.cancelWaiting(r) })
	f.schedule()
	return r
}

// UpdatePriority changes the priority of a request. It only matters while
// the request is waiting for a slot.
func (f *Fetcher) UpdatePriority(req types.PendingRequest, priority int) {
	r, ok := req.(*Request)
	if !ok {
		return
	}
	f.mu.Lock()
	r.priority = priority
	f.mu.Unlock()
	f.schedule()
}

// Pending returns the number of requests waiting for a slot
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiting)
}

func (f *Fetcher) schedule() {
	f.mu.Lock()
	var toStart []*Request
	for f.running < f.cfg.MaxConcurrentRequests && len(f.waiting) > 0 {
		best := 0
		for i, r := range f.waiting[1:] {
			if r.before(f.waiting[best]) {
				best = i + 1
			}
		}
		r := f.waiting[best]
		f.waiting = append(f.waiting[:best], f.waiting[best+1:]...)
		f.running++
		toStart = append(toStart, r)
	}
	f.mu.Unlock()

	for _, r := range toStart {
		go f.run(r)
	}
}

func (f *Fetcher) cancelWaiting(r *Request) {
	f.mu.Lock()
	found := false
	for i, w := range f.waiting {
		if w == r {
			f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
			found = true
			break
		}
	}
	f.mu.Unlock()

	if found {
		r.interrupt()
	}
}

func (f *Fetcher) run(r *Request) {
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
		f.schedule()
	}()

	if r.ctx.Err() != nil {
		r.interrupt()
		return
	}

	startedAt := time.Now()
	data, err := f.loadWithRetry(r)
	if r.ctx.Err() != nil {
		r.interrupt()
		return
	}
	if err != nil {
		f.logger.Warn("Segment request failed",
			logger.String("request", r.id),
			logger.String("segment", r.content.Segment.ID),
			logger.Err(err),
		)
		r.finish(err)
		return
	}

	f.estimator.AddSample(len(data), time.Since(startedAt))
	f.metrics.SetBandwidthEstimate(float64(f.estimator.Estimate()))

	parse := f.parser.Parse(r.content, data)
	if cb := r.callbacks.OnChunk; cb != nil {
		cb(parse)
	}
	if cb := r.callbacks.OnAllChunksReceived; cb != nil {
		cb()
	}
	if cb := r.callbacks.BeforeEnded; cb != nil {
		cb()
	}
	r.finish(nil)
}

func (f *Fetcher) loadWithRetry(r *Request) ([]byte, error) {
	segment := r.content.Segment
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if cb := r.callbacks.OnRetry; cb != nil {
				cb(lastErr)
			}
			f.logger.Debug("Retrying segment request",
				logger.String("segment", segment.ID),
				logger.Int("attempt", attempt),
				logger.Err(lastErr),
			)
			if err := sleep(r.ctx, f.backoff(attempt)); err != nil {
				return nil, errors.NewCanceledError(err)
			}
		}

		data, err := f.loadOnce(r.ctx, segment)
		if err == nil {
			return data, nil
		}
		if r.ctx.Err() != nil {
			return nil, errors.NewCanceledError(r.ctx.Err())
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	var coded *errors.Error
	if stderrors.As(lastErr, &coded) {
		return nil, lastErr
	}
	return nil, errors.NewNetworkError("failed to load segment "+segment.ID, lastErr)
}

func (f *Fetcher) loadOnce(ctx context.Context, segment types.Segment) ([]byte, error) {
	attemptCtx := ctx
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}

	data, err := f.loader.Load(attemptCtx, segment)
	if err != nil && ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrap(errors.ErrCodeTimeout, "segment request timed out", err)
	}
	return data, err
}

// backoff returns the delay before the given retry attempt (1-based)
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := float64(f.cfg.InitialDelay) * math.Pow(f.cfg.BackoffMultiplier, float64(attempt-1))
	if f.cfg.MaxDelay > 0 && delay > float64(f.cfg.MaxDelay) {
		return f.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable reports whether a failed load may succeed when retried.
// Missing resources and client errors are final.
func IsRetryable(err error) bool {
	if err == nil || errors.IsCanceled(err) {
		return false
	}
	if errors.IsErrorCode(err, errors.ErrCodeSegmentNotFound) {
		return false
	}
	var statusErr *StatusError
	if stderrors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}
