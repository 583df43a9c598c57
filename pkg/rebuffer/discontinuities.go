package rebuffer

import (
	"github.com/aminofox/zenplay/pkg/types"
)

// seekMargin is added to a discontinuity's end so the seek lands inside the
// next available data.
const seekMargin = 0.001

// discontinuityStore holds at most one record per (Period, TrackType),
// sorted by Period start. Only audio and video records are kept.
type discontinuityStore struct {
	records []types.DiscontinuityEvent
}

// update replaces the record of evt's (Period, TrackType), removes it when
// evt carries no discontinuity, and first drops records of Periods ended
// more than gcMargin seconds before position.
func (s *discontinuityStore) update(evt types.DiscontinuityEvent, position, gcMargin float64) {
	for len(s.records) > 0 {
		p := s.records[0].Period
		if p.End == nil || *p.End+gcMargin >= position {
			break
		}
		s.records = s.records[1:]
	}

	if !evt.TrackType.IsNative() {
		return
	}

	for i, rec := range s.records {
		if rec.Period.Start == evt.Period.Start {
			if rec.TrackType != evt.TrackType {
				continue
			}
			if evt.Discontinuity == nil {
				s.records = append(s.records[:i], s.records[i+1:]...)
			} else {
				s.records[i] = evt
			}
			return
		}
		if rec.Period.Start > evt.Period.Start {
			if evt.Discontinuity != nil {
				s.records = append(s.records[:i], append([]types.DiscontinuityEvent{evt}, s.records[i:]...)...)
			}
			return
		}
	}
	if evt.Discontinuity != nil {
		s.records = append(s.records, evt)
	}
}

func (s *discontinuityStore) len() int {
	return len(s.records)
}

// findSeekable returns the furthest end of the discontinuities the stalled
// position is in, tolerance included. A discontinuity lasting until the end
// of its Period ends at the next Period's start.
func (s *discontinuityStore) findSeekable(manifest types.Manifest, position, tolerance float64) (float64, bool) {
	var (
		maxEnd float64
		found  bool
	)
	for _, rec := range s.records {
		period := rec.Period
		if period.Start > position {
			break
		}
		if period.End != nil && *period.End <= position {
			continue
		}

		lower := rec.Position
		if rec.Discontinuity.Start != nil {
			lower = *rec.Discontinuity.Start
		}
		if position < lower-tolerance {
			continue
		}

		var end float64
		if rec.Discontinuity.End == nil {
			next := manifest.GetPeriodAfter(period)
			if next == nil {
				continue
			}
			end = next.Start
		} else {
			if position >= *rec.Discontinuity.End+tolerance {
				continue
			}
			end = *rec.Discontinuity.End
		}
		if !found || end > maxEnd {
			maxEnd = end
			found = true
		}
	}
	return maxEnd, found
}
