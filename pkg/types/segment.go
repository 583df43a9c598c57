package types

import "context"

// ByteRange is an inclusive byte range of a segment resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Segment is a unit of media data, either initialization metadata or media.
type Segment struct {
	ID       string
	Time     float64
	End      float64
	Duration float64
	IsInit   bool
	URL      string
	Range    *ByteRange
}

// QueuedSegment is a wanted segment with its priority (lower is more urgent).
type QueuedSegment struct {
	Segment  Segment
	Priority int
}

// SegmentContext is everything a fetcher needs to load one segment.
type SegmentContext struct {
	StreamContent
	Segment Segment
}

// InitSegmentInfo is what a parsed initialization segment tells about later
// media segments.
type InitSegmentInfo struct {
	Timescale    uint64
	HasTimescale bool
}

// ParsedKind distinguishes initialization from media parsing results.
type ParsedKind int

const (
	// ParsedInit is an initialization segment
	ParsedInit ParsedKind = iota

	// ParsedMedia is a decodable media chunk
	ParsedMedia
)

// ChunkInfo is the time span covered by a media chunk.
type ChunkInfo struct {
	Time     float64
	Duration float64
}

// AppendWindow restricts the part of a chunk kept by a sink. Nil bounds are open.
type AppendWindow struct {
	Start *float64
	End   *float64
}

// ParsedSegment is the result of parsing one downloaded chunk.
type ParsedSegment struct {
	Kind ParsedKind

	// Initialization segments
	InitData      []byte
	InitTimescale *uint64

	// Media segments
	ChunkData    []byte
	ChunkInfo    *ChunkInfo
	ChunkOffset  float64
	AppendWindow AppendWindow
	ChunkSize    int
}

// ChunkParser parses a downloaded chunk. info is nil for initialization
// segments and for Representations without one.
type ChunkParser func(info *InitSegmentInfo) (ParsedSegment, error)

// RequestCallbacks are invoked serially by a fetcher for a single request.
type RequestCallbacks struct {
	// OnRetry is called on each transient failure before retrying
	OnRetry func(err error)

	// BeforeInterrupted is called when the request is cancelled before its end
	BeforeInterrupted func()

	// OnChunk is called for each downloaded chunk
	OnChunk func(parse ChunkParser)

	// OnAllChunksReceived is called once every chunk has been delivered
	OnAllChunksReceived func()

	// BeforeEnded is called right before the request resolves successfully
	BeforeEnded func()
}

// PendingRequest is a request created by a SegmentFetcher.
type PendingRequest interface {
	// ID identifies the request in logs and priority updates
	ID() string

	// Done is closed once the request reached a terminal state
	Done() <-chan struct{}

	// Err returns nil on success, the terminal error otherwise
	Err() error
}

// SegmentFetcher loads segments, owning the retry policy.
type SegmentFetcher interface {
	CreateRequest(ctx context.Context, content SegmentContext, priority int, callbacks RequestCallbacks) PendingRequest
	UpdatePriority(req PendingRequest, priority int)
}
