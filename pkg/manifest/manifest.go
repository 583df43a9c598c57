// Package manifest provides an in-memory implementation of the manifest
// collaborator, used by tests, the worker and embedders that build their
// timeline programmatically.
package manifest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

// Manifest is a mutable timeline implementing types.Manifest.
type Manifest struct {
	id string

	mu              sync.RWMutex
	periods         []*types.Period
	dynamic         bool
	lastPeriodKnown bool
	minPosition     float64
	maxPosition     float64
	livePosition    *float64

	// updates counts refreshes; listeners are notified after each Update
	updates *reference.Ref[int]
}

// Options configures a Manifest.
type Options struct {
	Dynamic         bool
	LastPeriodKnown bool
	MinPosition     float64
	MaxPosition     float64
}

// New creates a Manifest from its Periods.
func New(periods []*types.Period, opts Options) *Manifest {
	m := &Manifest{
		id:              uuid.New().String(),
		dynamic:         opts.Dynamic,
		lastPeriodKnown: opts.LastPeriodKnown,
		minPosition:     opts.MinPosition,
		maxPosition:     opts.MaxPosition,
		updates:         reference.NewRef(0),
	}
	m.setPeriods(periods)
	return m
}

// ID identifies the manifest instance
func (m *Manifest) ID() string {
	return m.id
}

// Periods returns the Periods sorted by start
func (m *Manifest) Periods() []*types.Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Period, len(m.periods))
	copy(out, m.periods)
	return out
}

// IsDynamic is true for growing content
func (m *Manifest) IsDynamic() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dynamic
}

// IsLastPeriodKnown is true once the Period list is final
func (m *Manifest) IsLastPeriodKnown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPeriodKnown
}

// GetMinimumSafePosition returns the earliest playable position
func (m *Manifest) GetMinimumSafePosition() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minPosition
}

// GetMaximumSafePosition returns the latest playable position
func (m *Manifest) GetMaximumSafePosition() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxPosition
}

// GetLivePosition returns the live edge, if any
func (m *Manifest) GetLivePosition() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.livePosition == nil {
		return 0, false
	}
	return *m.livePosition, true
}

// GetPeriodAfter returns the Period following p
func (m *Manifest) GetPeriodAfter(p *types.Period) *types.Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, cur := range m.periods {
		if cur.ID == p.ID {
			if i+1 < len(m.periods) {
				return m.periods[i+1]
			}
			return nil
		}
	}
	return nil
}

// PeriodForTime returns the Period containing t
func (m *Manifest) PeriodForTime(t float64) *types.Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.periods {
		if p.ContainsTime(t) {
			return p
		}
	}
	return nil
}

// Update is the refresh of the manifest: it replaces the timeline and
// notifies OnUpdate listeners.
func (m *Manifest) Update(periods []*types.Period, opts Options) {
	m.mu.Lock()
	m.dynamic = opts.Dynamic
	m.lastPeriodKnown = opts.LastPeriodKnown
	m.minPosition = opts.MinPosition
	m.maxPosition = opts.MaxPosition
	m.setPeriodsLocked(periods)
	m.mu.Unlock()

	m.updates.Set(m.updates.Get() + 1)
}

// SetLivePosition moves the live edge of dynamic content
func (m *Manifest) SetLivePosition(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.livePosition = &pos
}

// OnUpdate calls fn after every Update until ctx is done.
func (m *Manifest) OnUpdate(ctx context.Context, fn func()) {
	m.updates.OnUpdate(ctx, func(int) { fn() }, false)
}

func (m *Manifest) setPeriods(periods []*types.Period) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPeriodsLocked(periods)
}

func (m *Manifest) setPeriodsLocked(periods []*types.Period) {
	sorted := make([]*types.Period, len(periods))
	copy(sorted, periods)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	m.periods = sorted
}
