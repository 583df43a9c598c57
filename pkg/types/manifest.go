package types

import (
	"bytes"
	"sync"
)

// SegmentIndex exposes the timing information a Representation's segment
// index knows about. It is owned by the manifest collaborator.
type SegmentIndex interface {
	// InitSegment returns the initialization segment, or nil when the
	// Representation has none.
	InitSegment() *Segment

	// GetEnd returns the end of the content for this index. ok is false
	// when the end is not known yet.
	GetEnd() (end float64, ok bool)

	// GetLastAvailablePosition returns the end of the last available segment.
	GetLastAvailablePosition() (pos float64, ok bool)
}

// Manifest is the read-only view of the content's timeline.
type Manifest interface {
	// ID identifies the manifest instance
	ID() string

	// Periods returns the Periods sorted by start
	Periods() []*Period

	// IsDynamic is true for growing (live) content
	IsDynamic() bool

	// IsLastPeriodKnown is true once no Period will be appended anymore
	IsLastPeriodKnown() bool

	// GetMinimumSafePosition returns the earliest position that can be played
	GetMinimumSafePosition() float64

	// GetMaximumSafePosition returns the latest position that can be played
	GetMaximumSafePosition() float64

	// GetLivePosition returns the live edge for dynamic content
	GetLivePosition() (float64, bool)

	// GetPeriodAfter returns the Period following p, or nil
	GetPeriodAfter(p *Period) *Period
}

// Period is a time-bounded part of the content timeline.
type Period struct {
	ID    string
	Start float64

	// End is nil while the Period's end is unknown
	End *float64

	Adaptations map[TrackType][]*Adaptation
}

// EndOr returns the Period's end or fallback when unknown.
func (p *Period) EndOr(fallback float64) float64 {
	if p.End == nil {
		return fallback
	}
	return *p.End
}

// ContainsTime reports whether t falls inside the Period.
func (p *Period) ContainsTime(t float64) bool {
	return t >= p.Start && (p.End == nil || t < *p.End)
}

// AdaptationsFor returns the Adaptations of the given type.
func (p *Period) AdaptationsFor(t TrackType) []*Adaptation {
	if p.Adaptations == nil {
		return nil
	}
	return p.Adaptations[t]
}

// Adaptation is a selectable track within a Period.
type Adaptation struct {
	ID              string
	Type            TrackType
	Language        string
	Representations []*Representation
}

// PlayableRepresentations returns Representations that are not known to be
// undecipherable or unsupported.
func (a *Adaptation) PlayableRepresentations() []*Representation {
	out := make([]*Representation, 0, len(a.Representations))
	for _, r := range a.Representations {
		if r.IsPlayable() {
			out = append(out, r)
		}
	}
	return out
}

// ProtectionInitData is the encryption initialization data of one key system.
type ProtectionInitData struct {
	SystemID string
	Data     []byte
}

// ContentProtections describes how a Representation is encrypted.
type ContentProtections struct {
	KeyIDs   [][]byte
	InitData []ProtectionInitData
}

// Representation is one quality/codec variant of an Adaptation.
type Representation struct {
	ID        string
	Bitrate   int
	Codec     string
	MimeType  string
	Timescale uint64
	Index     SegmentIndex

	Protections *ContentProtections

	mu           sync.RWMutex
	decipherable *bool
	supported    *bool
}

// MimeWithCodec returns the mime-type string checked against the pipeline.
func (r *Representation) MimeWithCodec() string {
	if r.Codec == "" {
		return r.MimeType
	}
	return r.MimeType + `;codecs="` + r.Codec + `"`
}

// HasInitSegment reports whether the Representation declares an initialization segment.
func (r *Representation) HasInitSegment() bool {
	return r.Index != nil && r.Index.InitSegment() != nil
}

// SetDecipherable records whether the Representation can be decrypted.
func (r *Representation) SetDecipherable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decipherable = &v
}

// Decipherable returns the decipherability status; known is false when unknown.
func (r *Representation) Decipherable() (value bool, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.decipherable == nil {
		return false, false
	}
	return *r.decipherable, true
}

// SetSupported records whether the pipeline can decode the Representation's codec.
func (r *Representation) SetSupported(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supported = &v
}

// IsPlayable is false when the Representation is known undecipherable or unsupported.
func (r *Representation) IsPlayable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.decipherable != nil && !*r.decipherable {
		return false
	}
	if r.supported != nil && !*r.supported {
		return false
	}
	return true
}

// UsesKeyID reports whether the Representation is encrypted with keyID.
func (r *Representation) UsesKeyID(keyID []byte) bool {
	if r.Protections == nil {
		return false
	}
	for _, kid := range r.Protections.KeyIDs {
		if bytes.Equal(kid, keyID) {
			return true
		}
	}
	return false
}

// UsesInitData reports whether the Representation carries the given protection data.
func (r *Representation) UsesInitData(data ProtectionInitData) bool {
	if r.Protections == nil {
		return false
	}
	for _, d := range r.Protections.InitData {
		if d.SystemID == data.SystemID && bytes.Equal(d.Data, data.Data) {
			return true
		}
	}
	return false
}

// StreamContent identifies what a stream is currently loading.
type StreamContent struct {
	Manifest       Manifest
	Period         *Period
	Adaptation     *Adaptation
	Representation *Representation
}
