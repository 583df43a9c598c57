// Package sink owns the per-track-type segment sinks of a content and the
// rules under which they are created, reused, disabled and disposed.
package sink

import (
	"context"
	"sync"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/types"
)

// PushChunkInfos describes a chunk pushed to a SegmentSink.
type PushChunkInfos struct {
	Data []byte

	// InitSegmentID identifies the initialization segment the chunk depends
	// on, or the initialization segment itself when IsInit is set
	InitSegmentID string
	IsInit        bool

	Codec           string
	TimestampOffset float64
	AppendWindow    types.AppendWindow
	ChunkInfo       *types.ChunkInfo
}

// SegmentSink is the buffer of one track type. Operations are executed one
// at a time, in call order.
type SegmentSink struct {
	trackType types.TrackType
	codec     string
	buffer    types.MediaBuffer
	logger    logger.Logger

	// opMu serializes buffer operations
	opMu sync.Mutex

	mu         sync.Mutex
	lastInitID string
	disposed   bool
}

func newSegmentSink(trackType types.TrackType, codec string, buffer types.MediaBuffer, log logger.Logger) *SegmentSink {
	return &SegmentSink{
		trackType: trackType,
		codec:     codec,
		buffer:    buffer,
		logger:    log.With(logger.String("sink", trackType.String())),
	}
}

// Type returns the track type of the sink
func (s *SegmentSink) Type() types.TrackType {
	return s.trackType
}

// Codec returns the codec the sink was created with
func (s *SegmentSink) Codec() string {
	return s.codec
}

// PushChunk appends a chunk and returns the buffered ranges once the
// pipeline acknowledged it. An initialization segment identical to the last
// one pushed is not appended again.
func (s *SegmentSink) PushChunk(ctx context.Context, infos PushChunkInfos) ([]ranges.Range, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	if infos.IsInit {
		s.mu.Lock()
		same := infos.InitSegmentID != "" && infos.InitSegmentID == s.lastInitID
		s.mu.Unlock()
		if same {
			return s.buffer.Buffered(), nil
		}
	}

	codec := infos.Codec
	if codec == "" {
		codec = s.codec
	}
	buffered, err := s.buffer.Append(ctx, infos.Data, types.AppendParams{
		Codec:           codec,
		IsInit:          infos.IsInit,
		TimestampOffset: infos.TimestampOffset,
		AppendWindow:    infos.AppendWindow,
		ChunkInfo:       infos.ChunkInfo,
	})
	if err != nil {
		if errors.IsCanceled(err) {
			return nil, errors.NewCanceledError(err)
		}
		return nil, errors.Wrap(errors.ErrCodeBufferAppendError, "failed to push chunk", err)
	}

	if infos.IsInit {
		s.mu.Lock()
		s.lastInitID = infos.InitSegmentID
		s.mu.Unlock()
	}
	return buffered, nil
}

// RemoveBuffer removes the [start, end) time range
func (s *SegmentSink) RemoveBuffer(ctx context.Context, start, end float64) ([]ranges.Range, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	buffered, err := s.buffer.Remove(ctx, start, end)
	if err != nil {
		if errors.IsCanceled(err) {
			return nil, errors.NewCanceledError(err)
		}
		return nil, errors.Wrap(errors.ErrCodeBufferRemoveError, "failed to remove buffer", err)
	}
	return buffered, nil
}

// Buffered returns the ranges currently buffered
func (s *SegmentSink) Buffered() []ranges.Range {
	return s.buffer.Buffered()
}

// Abort drops pending data; the last initialization segment must be pushed again afterwards
func (s *SegmentSink) Abort() error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastInitID = ""
	s.mu.Unlock()
	return s.buffer.Abort()
}

// Dispose releases the underlying buffer. Calling it twice is a no-op.
func (s *SegmentSink) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	if err := s.buffer.Dispose(); err != nil {
		s.logger.Warn("Failed to dispose buffer", logger.Err(err))
		return err
	}
	return nil
}

// IsDisposed reports whether Dispose was called
func (s *SegmentSink) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *SegmentSink) checkUsable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return errors.New(errors.ErrCodeSinkDisposed, "segment sink disposed")
	}
	return nil
}
