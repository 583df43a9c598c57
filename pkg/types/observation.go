package types

import (
	"context"
	"time"

	"github.com/aminofox/zenplay/pkg/ranges"
)

// Ready states, mirroring the media element's.
const (
	HaveNothing     = 0
	HaveMetadata    = 1
	HaveCurrentData = 2
	HaveFutureData  = 3
	HaveEnoughData  = 4
)

// StallReason explains why playback is not progressing.
type StallReason string

const (
	StallSeeking      StallReason = "seeking"
	StallInternalSeek StallReason = "internal-seek"
	StallNotReady     StallReason = "not-ready"
	StallBuffering    StallReason = "buffering"
	StallFreezing     StallReason = "freezing"
)

// ObservationPosition is the position as polled and as wanted by the player.
type ObservationPosition struct {
	Polled float64
	Wanted float64

	// AwaitingFuturePosition is true while an internal seek has not been applied yet
	AwaitingFuturePosition bool
}

// RebufferingStatus is set while playback waits for data.
type RebufferingStatus struct {
	Reason    StallReason
	Timestamp time.Time

	// Position is where data is awaited, when known
	Position *float64
}

// FreezingStatus is set while data is present but the position does not move.
type FreezingStatus struct {
	Timestamp time.Time
}

// Observation is an immutable snapshot of the playback state.
type Observation struct {
	Position       ObservationPosition
	Buffered       []ranges.Range
	BufferedByType map[TrackType][]ranges.Range
	Paused         bool
	Ended          bool
	Freezing       *FreezingStatus
	Rebuffering    *RebufferingStatus
	ReadyState     int
	Duration       float64
	PlaybackRate   float64

	// InternalSeeking tells whether the seek in progress was issued by the player itself
	Seeking         bool
	InternalSeeking bool
}

// PlaybackObserver pushes Observations and accepts playback commands.
type PlaybackObserver interface {
	// Listen registers fn until ctx is done. When includeLast is set and an
	// observation was already made, fn is called with it immediately.
	Listen(ctx context.Context, fn func(Observation), includeLast bool)

	// LastObservation returns the most recent Observation
	LastObservation() (Observation, bool)

	SetCurrentTime(t float64)
	SetPlaybackRate(rate float64)
	GetCurrentTime() float64
	GetIsPaused() bool
}

// Discontinuity is a known hole in the segment data of a Period.
type Discontinuity struct {
	// Start is nil when the hole starts at the record's position
	Start *float64

	// End is nil when the hole lasts until the next Period
	End *float64
}

// DiscontinuityEvent is a stream status update about a (Period, TrackType).
// A nil Discontinuity clears the previous record.
type DiscontinuityEvent struct {
	Period        *Period
	TrackType     TrackType
	Discontinuity *Discontinuity
	Position      float64
}
