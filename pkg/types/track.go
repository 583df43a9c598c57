// Package types defines the playback data model and the narrow interfaces of
// the collaborators consumed by the core (manifest, fetcher, media pipeline,
// playback observer).
package types

import "fmt"

// TrackType identifies the kind of media a sink buffers.
type TrackType string

const (
	// TrackAudio is buffered by a native, platform-managed sink
	TrackAudio TrackType = "audio"

	// TrackVideo is buffered by a native, platform-managed sink
	TrackVideo TrackType = "video"

	// TrackText is buffered by a custom sink
	TrackText TrackType = "text"
)

// AllTrackTypes lists every supported track type, natives first.
var AllTrackTypes = []TrackType{TrackVideo, TrackAudio, TrackText}

// IsNative reports whether the type requires a platform-managed sink.
func (t TrackType) IsNative() bool {
	return t == TrackAudio || t == TrackVideo
}

// IsKnown reports whether the type is one of the supported track types.
func (t TrackType) IsKnown() bool {
	switch t {
	case TrackAudio, TrackVideo, TrackText:
		return true
	default:
		return false
	}
}

// String returns the string representation of the track type
func (t TrackType) String() string {
	return string(t)
}

// ParseTrackType validates a track type coming from configuration or the wire.
func ParseTrackType(s string) (TrackType, error) {
	t := TrackType(s)
	if !t.IsKnown() {
		return "", fmt.Errorf("unknown track type %q", s)
	}
	return t, nil
}
