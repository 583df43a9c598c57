package fetch

import (
	"github.com/aminofox/zenplay/pkg/types"
)

// Parser turns downloaded bytes into a chunk parser for the queue
type Parser interface {
	Parse(content types.SegmentContext, data []byte) types.ChunkParser
}

// PassthroughParser does not inspect containers: the init timescale comes
// from the Representation and chunk timing from the Segment.
type PassthroughParser struct{}

// Parse implements Parser
func (PassthroughParser) Parse(content types.SegmentContext, data []byte) types.ChunkParser {
	return func(info *types.InitSegmentInfo) (types.ParsedSegment, error) {
		segment := content.Segment
		if segment.IsInit {
			parsed := types.ParsedSegment{Kind: types.ParsedInit, InitData: data}
			if rep := content.Representation; rep != nil && rep.Timescale > 0 {
				timescale := rep.Timescale
				parsed.InitTimescale = &timescale
			}
			return parsed, nil
		}

		duration := segment.Duration
		if duration == 0 && segment.End > segment.Time {
			duration = segment.End - segment.Time
		}
		parsed := types.ParsedSegment{
			Kind:      types.ParsedMedia,
			ChunkData: data,
			ChunkInfo: &types.ChunkInfo{Time: segment.Time, Duration: duration},
			ChunkSize: len(data),
		}
		if period := content.Period; period != nil {
			start := period.Start
			parsed.AppendWindow = types.AppendWindow{Start: &start, End: period.End}
		}
		return parsed, nil
	}
}
