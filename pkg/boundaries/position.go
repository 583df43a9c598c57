package boundaries

import (
	"math"

	"github.com/aminofox/zenplay/pkg/types"
)

// lastAdaptation is the Adaptation of a type in the last Period. known is
// false until it has been reported; a known nil adaptation means the type
// is absent from that Period.
type lastAdaptation struct {
	known      bool
	adaptation *types.Adaptation
}

// positionCalculator computes the maximum reachable and ending positions
// from the last Period's audio and video Adaptations. It is guarded by the
// Observer's mutex.
type positionCalculator struct {
	manifest types.Manifest
	audio    lastAdaptation
	video    lastAdaptation
}

func newPositionCalculator(manifest types.Manifest) *positionCalculator {
	return &positionCalculator{manifest: manifest}
}

func (c *positionCalculator) updateLastAudioAdaptation(a *types.Adaptation) {
	c.audio = lastAdaptation{known: true, adaptation: a}
}

func (c *positionCalculator) updateLastVideoAdaptation(a *types.Adaptation) {
	c.video = lastAdaptation{known: true, adaptation: a}
}

// maximumAvailable is the maximum position currently reachable
func (c *positionCalculator) maximumAvailable() float64 {
	if c.manifest.IsDynamic() {
		if live, ok := c.manifest.GetLivePosition(); ok {
			return live
		}
		return c.manifest.GetMaximumSafePosition()
	}
	if !c.audio.known || !c.video.known {
		return c.manifest.GetMaximumSafePosition()
	}
	pos, ok := c.combine(func(r *types.Representation) (float64, bool) {
		return r.Index.GetLastAvailablePosition()
	})
	if !ok {
		return c.manifest.GetMaximumSafePosition()
	}
	return pos
}

// endingPosition is the position at which the content ends, when known.
// Static content always has one; dynamic content has one only once both
// last audio and last video Adaptations are known and report an end.
func (c *positionCalculator) endingPosition() (float64, bool) {
	if !c.manifest.IsDynamic() {
		if !c.audio.known || !c.video.known {
			return c.manifest.GetMaximumSafePosition(), true
		}
		if end, ok := c.combine(func(r *types.Representation) (float64, bool) {
			return r.Index.GetEnd()
		}); ok {
			return end, true
		}
		return c.maximumAvailable(), true
	}
	if !c.audio.known || !c.video.known {
		return 0, false
	}
	return c.combine(func(r *types.Representation) (float64, bool) {
		return r.Index.GetEnd()
	})
}

// combine returns the minimum of the audio and video positions given by get
func (c *positionCalculator) combine(get func(*types.Representation) (float64, bool)) (float64, bool) {
	audio, video := c.audio.adaptation, c.video.adaptation
	switch {
	case audio == nil && video == nil:
		return 0, false
	case audio == nil:
		return adaptationPosition(video, get)
	case video == nil:
		return adaptationPosition(audio, get)
	}
	a, okA := adaptationPosition(audio, get)
	v, okV := adaptationPosition(video, get)
	if !okA || !okV {
		return 0, false
	}
	return math.Min(a, v), true
}

// adaptationPosition is the minimum position of the playable Representations.
// It is unknown as soon as one of them does not know it.
func adaptationPosition(a *types.Adaptation, get func(*types.Representation) (float64, bool)) (float64, bool) {
	reps := a.PlayableRepresentations()
	if len(reps) == 0 {
		return 0, false
	}
	lowest := math.Inf(1)
	for _, r := range reps {
		if r.Index == nil {
			return 0, false
		}
		p, known := get(r)
		if !known {
			return 0, false
		}
		lowest = math.Min(lowest, p)
	}
	return lowest, true
}
