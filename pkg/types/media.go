package types

import (
	"context"

	"github.com/aminofox/zenplay/pkg/ranges"
)

// AppendParams describes how a chunk is pushed to a media buffer.
type AppendParams struct {
	Codec           string
	IsInit          bool
	TimestampOffset float64
	AppendWindow    AppendWindow
	ChunkInfo       *ChunkInfo
}

// MediaBuffer is the per-track primitive of the underlying media pipeline.
// Append and Remove complete asynchronously from the pipeline's point of view
// and return the buffered ranges once acknowledged.
type MediaBuffer interface {
	Append(ctx context.Context, data []byte, params AppendParams) ([]ranges.Range, error)
	Remove(ctx context.Context, start, end float64) ([]ranges.Range, error)
	Abort() error
	Dispose() error
	Buffered() []ranges.Range
}

// MediaPipeline is the decode/render pipeline sinks are attached to.
type MediaPipeline interface {
	// AddBuffer attaches a native buffer for the given type
	AddBuffer(trackType TrackType, codec string) (MediaBuffer, error)

	// IsTypeSupported reports whether a mime type with codecs can be decoded
	IsTypeSupported(mimeWithCodec string) bool

	// SetDuration updates the content duration
	SetDuration(duration float64) error

	// EndOfStream signals that no more data will be appended
	EndOfStream() error

	// Reset detaches every buffer so the pipeline can be reused on reload
	Reset() error
}
