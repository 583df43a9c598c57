// Package ranges manipulates sorted lists of buffered time ranges.
package ranges

import (
	"math"
	"sort"
)

// Epsilon is the tolerance used when comparing media positions.
const Epsilon = 1.0 / 60

// Range is a [Start, End) interval in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// Contains reports whether t lies within the range.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Insert adds r to rs, merging contiguous or overlapping ranges.
// rs must be sorted; the result is sorted and non-overlapping.
func Insert(rs []Range, r Range) []Range {
	if r.End <= r.Start {
		return rs
	}
	out := make([]Range, 0, len(rs)+1)
	inserted := false
	for _, cur := range rs {
		switch {
		case cur.End < r.Start-Epsilon/2:
			out = append(out, cur)
		case cur.Start > r.End+Epsilon/2:
			if !inserted {
				out = append(out, r)
				inserted = true
			}
			out = append(out, cur)
		default:
			r.Start = math.Min(r.Start, cur.Start)
			r.End = math.Max(r.End, cur.End)
		}
	}
	if !inserted {
		out = append(out, r)
	}
	return out
}

// Remove deletes [start, end) from rs.
func Remove(rs []Range, start, end float64) []Range {
	if end <= start {
		return rs
	}
	out := make([]Range, 0, len(rs)+1)
	for _, cur := range rs {
		if cur.End <= start || cur.Start >= end {
			out = append(out, cur)
			continue
		}
		if cur.Start < start {
			out = append(out, Range{Start: cur.Start, End: start})
		}
		if cur.End > end {
			out = append(out, Range{Start: end, End: cur.End})
		}
	}
	return out
}

// RangeAt returns the range containing t.
func RangeAt(rs []Range, t float64) (Range, bool) {
	for _, r := range rs {
		if r.Contains(t) {
			return r, true
		}
	}
	return Range{}, false
}

// NextGap returns the distance between t and the start of the first range
// beginning after t, or +Inf when there is none.
func NextGap(rs []Range, t float64) float64 {
	for _, r := range rs {
		if t < r.Start {
			return r.Start - t
		}
	}
	return math.Inf(1)
}

// LeftSize returns how much data is buffered after t in the range containing t.
func LeftSize(rs []Range, t float64) float64 {
	if r, ok := RangeAt(rs, t); ok {
		return r.End - t
	}
	return 0
}

// Intersection returns the ranges present in both a and b.
func Intersection(a, b []Range) []Range {
	var out []Range
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := math.Max(a[i].Start, b[j].Start)
		end := math.Min(a[i].End, b[j].End)
		if end > start {
			out = append(out, Range{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Normalize sorts rs and merges overlapping entries.
func Normalize(rs []Range) []Range {
	sorted := make([]Range, len(rs))
	copy(sorted, rs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out []Range
	for _, r := range sorted {
		out = Insert(out, r)
	}
	return out
}

// Clone returns a copy of rs.
func Clone(rs []Range) []Range {
	if rs == nil {
		return nil
	}
	out := make([]Range, len(rs))
	copy(out, rs)
	return out
}
