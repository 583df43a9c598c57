// Package abr provides the default bandwidth estimator and Representation
// selection used when no other heuristic is plugged in.
package abr

import (
	"sort"
	"sync"
	"time"

	"github.com/aminofox/zenplay/pkg/types"
)

// Estimator estimates available bandwidth from completed requests
type Estimator interface {
	// AddSample records that bytes were received in duration
	AddSample(bytes int, duration time.Duration)

	// Estimate returns the current estimate in bits/second, 0 when unknown
	Estimate() int
}

// Measurement represents a single bandwidth measurement
type Measurement struct {
	Timestamp time.Time
	Bandwidth int // bits per second
	Duration  time.Duration
	Bytes     int
}

// WeightedEstimator averages recent measurements, recent ones weighing more
type WeightedEstimator struct {
	// measurements stores recent bandwidth measurements
	measurements []Measurement

	// maxMeasurements is the maximum number of measurements to keep
	maxMeasurements int

	// current is the estimated current bandwidth in bits/second
	current int

	mu sync.RWMutex
}

// NewWeightedEstimator creates an estimator keeping maxMeasurements samples
func NewWeightedEstimator(maxMeasurements int) *WeightedEstimator {
	if maxMeasurements <= 0 {
		maxMeasurements = 10
	}
	return &WeightedEstimator{
		measurements:    make([]Measurement, 0, maxMeasurements),
		maxMeasurements: maxMeasurements,
	}
}

// AddSample adds a bandwidth measurement
func (e *WeightedEstimator) AddSample(bytes int, duration time.Duration) {
	if duration <= 0 || bytes <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.measurements = append(e.measurements, Measurement{
		Timestamp: time.Now(),
		Bandwidth: int(float64(bytes*8) / duration.Seconds()),
		Duration:  duration,
		Bytes:     bytes,
	})
	if len(e.measurements) > e.maxMeasurements {
		e.measurements = e.measurements[1:]
	}

	totalWeight := 0.0
	weightedSum := 0.0
	for i, m := range e.measurements {
		weight := float64(i + 1)
		totalWeight += weight
		weightedSum += float64(m.Bandwidth) * weight
	}
	e.current = int(weightedSum / totalWeight)
}

// Estimate returns the current bandwidth estimate
func (e *WeightedEstimator) Estimate() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Measurements returns a copy of the kept measurements
func (e *WeightedEstimator) Measurements() []Measurement {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Measurement, len(e.measurements))
	copy(out, e.measurements)
	return out
}

// Reset drops every measurement
func (e *WeightedEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.measurements = make([]Measurement, 0, e.maxMeasurements)
	e.current = 0
}

// SafetyFactor is the share of the estimate a Representation may use
const SafetyFactor = 0.9

// SelectRepresentation picks the highest bitrate playable Representation
// fitting in bandwidth, or the lowest playable one when none fits or the
// bandwidth is unknown. It returns nil when nothing is playable.
func SelectRepresentation(reps []*types.Representation, bandwidth int) *types.Representation {
	playable := make([]*types.Representation, 0, len(reps))
	for _, r := range reps {
		if r.IsPlayable() {
			playable = append(playable, r)
		}
	}
	if len(playable) == 0 {
		return nil
	}
	sort.SliceStable(playable, func(i, j int) bool {
		return playable[i].Bitrate < playable[j].Bitrate
	})

	target := int(float64(bandwidth) * SafetyFactor)
	selected := playable[0]
	for _, r := range playable[1:] {
		if r.Bitrate > target {
			break
		}
		selected = r
	}
	return selected
}
