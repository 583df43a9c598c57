package manifest

import (
	"fmt"
	"sync"

	"github.com/aminofox/zenplay/pkg/types"
)

// SegmentList is a segment index backed by an explicit list of segments.
type SegmentList struct {
	mu       sync.RWMutex
	init     *types.Segment
	segments []types.Segment
	ended    bool
}

// NewSegmentList creates an index. ended tells whether the list is final.
func NewSegmentList(init *types.Segment, segments []types.Segment, ended bool) *SegmentList {
	return &SegmentList{init: init, segments: segments, ended: ended}
}

// NewUniformSegmentList builds count segments of duration seconds from start.
// urlFormat receives the segment number.
func NewUniformSegmentList(start, duration float64, count int, urlFormat string, initURL string) *SegmentList {
	var init *types.Segment
	if initURL != "" {
		init = &types.Segment{ID: "init", IsInit: true, URL: initURL}
	}
	segs := make([]types.Segment, 0, count)
	for i := 0; i < count; i++ {
		t := start + float64(i)*duration
		segs = append(segs, types.Segment{
			ID:       fmt.Sprintf("seg-%d", i),
			Time:     t,
			End:      t + duration,
			Duration: duration,
			URL:      fmt.Sprintf(urlFormat, i),
		})
	}
	return NewSegmentList(init, segs, true)
}

// InitSegment returns the initialization segment, if any
func (l *SegmentList) InitSegment() *types.Segment {
	return l.init
}

// GetEnd returns the end of the last segment once the list is final
func (l *SegmentList) GetEnd() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ended || len(l.segments) == 0 {
		return 0, false
	}
	return l.segments[len(l.segments)-1].End, true
}

// GetLastAvailablePosition returns the end of the last known segment
func (l *SegmentList) GetLastAvailablePosition() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return 0, false
	}
	return l.segments[len(l.segments)-1].End, true
}

// Segments returns the segments overlapping [from, to)
func (l *SegmentList) Segments(from, to float64) []types.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Segment
	for _, s := range l.segments {
		if s.End > from && s.Time < to {
			out = append(out, s)
		}
	}
	return out
}

// Append adds segments to a growing list
func (l *SegmentList) Append(segs ...types.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = append(l.segments, segs...)
}

// MarkEnded declares the list final
func (l *SegmentList) MarkEnded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = true
}
