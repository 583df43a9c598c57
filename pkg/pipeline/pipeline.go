// Package pipeline is an in-memory media pipeline: it accepts appended
// chunks and keeps track of the time ranges they cover without decoding
// anything. The worker binary hosts it behind the remote transport.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/types"
)

// Options configures a Pipeline.
type Options struct {
	// SupportedCodecs lists codec prefixes accepted by IsTypeSupported.
	// Empty means every codec is supported.
	SupportedCodecs []string

	// OperationLatency delays each append/remove acknowledgement
	OperationLatency time.Duration
}

// Pipeline implements types.MediaPipeline in memory.
type Pipeline struct {
	opts   Options
	logger logger.Logger

	mu       sync.Mutex
	buffers  map[types.TrackType]*Buffer
	duration float64
	ended    bool
}

// New creates an in-memory pipeline
func New(opts Options, log logger.Logger) *Pipeline {
	return &Pipeline{
		opts:    opts,
		logger:  logger.OrDefault(log).With(logger.Component("pipeline")),
		buffers: make(map[types.TrackType]*Buffer),
	}
}

// AddBuffer attaches a native buffer for trackType
func (p *Pipeline) AddBuffer(trackType types.TrackType, codec string) (types.MediaBuffer, error) {
	if !trackType.IsNative() {
		return nil, errors.NewUnknownBufferTypeError(trackType.String())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.buffers[trackType]; exists {
		return nil, errors.NewInvalidStateError(fmt.Sprintf("a %s buffer is already attached", trackType))
	}
	b := NewBuffer(trackType, codec, p.opts.OperationLatency)
	b.onDispose = func() { p.detach(trackType, b) }
	p.buffers[trackType] = b

	p.logger.Info("Buffer attached",
		logger.String("type", trackType.String()),
		logger.String("codec", codec),
	)
	return b, nil
}

// IsTypeSupported reports whether the codec of mimeWithCodec is accepted
func (p *Pipeline) IsTypeSupported(mimeWithCodec string) bool {
	if len(p.opts.SupportedCodecs) == 0 {
		return true
	}
	for _, c := range p.opts.SupportedCodecs {
		if strings.Contains(mimeWithCodec, `codecs="`+c) {
			return true
		}
	}
	return false
}

// SetDuration updates the content duration
func (p *Pipeline) SetDuration(duration float64) error {
	if math.IsNaN(duration) || duration < 0 {
		return errors.New(errors.ErrCodeInvalidState, "invalid duration")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duration = duration
	return nil
}

// Duration returns the last duration set
func (p *Pipeline) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// EndOfStream marks the pipeline as complete
func (p *Pipeline) EndOfStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
	return nil
}

// IsEnded reports whether EndOfStream was called since the last Reset
func (p *Pipeline) IsEnded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// Reset detaches every buffer
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	buffers := make([]*Buffer, 0, len(p.buffers))
	for _, b := range p.buffers {
		buffers = append(buffers, b)
	}
	p.buffers = make(map[types.TrackType]*Buffer)
	p.ended = false
	p.mu.Unlock()

	for _, b := range buffers {
		b.markDetached()
	}
	return nil
}

// Buffer returns the attached buffer of the given type, if any
func (p *Pipeline) Buffer(trackType types.TrackType) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[trackType]
	return b, ok
}

// Buffered returns the intersection of every attached buffer's ranges,
// which is what a media element reports as playable.
func (p *Pipeline) Buffered() []ranges.Range {
	p.mu.Lock()
	buffers := make([]*Buffer, 0, len(p.buffers))
	for _, b := range p.buffers {
		buffers = append(buffers, b)
	}
	p.mu.Unlock()

	if len(buffers) == 0 {
		return nil
	}
	out := buffers[0].Buffered()
	for _, b := range buffers[1:] {
		out = ranges.Intersection(out, b.Buffered())
	}
	return out
}

func (p *Pipeline) detach(trackType types.TrackType, b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffers[trackType] == b {
		delete(p.buffers, trackType)
	}
}

// Buffer is an in-memory types.MediaBuffer.
type Buffer struct {
	trackType types.TrackType
	codec     string
	latency   time.Duration

	mu        sync.Mutex
	buffered  []ranges.Range
	initData  []byte
	appended  int
	disposed  bool
	detached  bool
	onDispose func()
}

// NewBuffer creates a detached-from-pipeline buffer, also usable as a custom sink primitive
func NewBuffer(trackType types.TrackType, codec string, latency time.Duration) *Buffer {
	return &Buffer{trackType: trackType, codec: codec, latency: latency}
}

// Append records the time range covered by a chunk
func (b *Buffer) Append(ctx context.Context, data []byte, params types.AppendParams) ([]ranges.Range, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}

	b.appended++
	if params.IsInit {
		b.initData = data
		return ranges.Clone(b.buffered), nil
	}
	if b.initData == nil && len(data) > 0 && params.ChunkInfo == nil {
		return nil, errors.New(errors.ErrCodeBufferAppendError, "media appended without timing information")
	}
	if params.ChunkInfo != nil {
		start := params.ChunkInfo.Time + params.TimestampOffset
		end := start + params.ChunkInfo.Duration
		if w := params.AppendWindow.Start; w != nil && start < *w {
			start = *w
		}
		if w := params.AppendWindow.End; w != nil && end > *w {
			end = *w
		}
		b.buffered = ranges.Insert(b.buffered, ranges.Range{Start: start, End: end})
	}
	return ranges.Clone(b.buffered), nil
}

// Remove deletes [start, end) from the buffer
func (b *Buffer) Remove(ctx context.Context, start, end float64) ([]ranges.Range, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}
	b.buffered = ranges.Remove(b.buffered, start, end)
	return ranges.Clone(b.buffered), nil
}

// Abort drops any partially-appended data; a no-op in memory
func (b *Buffer) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return errors.New(errors.ErrCodeSinkDisposed, "buffer disposed")
	}
	return nil
}

// Dispose releases the buffer
func (b *Buffer) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.buffered = nil
	cb := b.onDispose
	b.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Buffered returns the buffered ranges
func (b *Buffer) Buffered() []ranges.Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ranges.Clone(b.buffered)
}

// Codec returns the codec the buffer was created with
func (b *Buffer) Codec() string {
	return b.codec
}

// AppendCount returns how many appends were acknowledged
func (b *Buffer) AppendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended
}

// IsDisposed reports whether Dispose was called
func (b *Buffer) IsDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

func (b *Buffer) markDetached() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
}

func (b *Buffer) usableLocked() error {
	if b.disposed {
		return errors.New(errors.ErrCodeSinkDisposed, "buffer disposed")
	}
	if b.detached {
		return errors.New(errors.ErrCodeSinkDisposed, "buffer detached from pipeline")
	}
	return nil
}

func (b *Buffer) wait(ctx context.Context) error {
	if b.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(b.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
