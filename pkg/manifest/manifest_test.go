package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/zenplay/pkg/types"
)

func ptr(f float64) *float64 { return &f }

func TestPeriodsSortedAndNavigation(t *testing.T) {
	p2 := &types.Period{ID: "p2", Start: 10}
	p1 := &types.Period{ID: "p1", Start: 0, End: ptr(10)}
	m := New([]*types.Period{p2, p1}, Options{LastPeriodKnown: true, MaxPosition: 20})

	periods := m.Periods()
	require.Len(t, periods, 2)
	assert.Equal(t, "p1", periods[0].ID)
	assert.Equal(t, p2, m.GetPeriodAfter(p1))
	assert.Nil(t, m.GetPeriodAfter(p2))
	assert.Equal(t, p1, m.PeriodForTime(3))
	assert.Equal(t, p2, m.PeriodForTime(15))
}

func TestUpdateNotifies(t *testing.T) {
	m := New(nil, Options{})
	calls := 0
	m.OnUpdate(context.Background(), func() { calls++ })

	m.Update([]*types.Period{{ID: "p1"}}, Options{LastPeriodKnown: true})
	assert.Equal(t, 1, calls)
	assert.True(t, m.IsLastPeriodKnown())
}

func TestUniformSegmentList(t *testing.T) {
	idx := NewUniformSegmentList(0, 2, 5, "https://cdn.example/seg-%d.m4s", "https://cdn.example/init.mp4")

	require.NotNil(t, idx.InitSegment())
	end, ok := idx.GetEnd()
	require.True(t, ok)
	assert.Equal(t, 10.0, end)

	segs := idx.Segments(3, 6)
	require.Len(t, segs, 2)
	assert.Equal(t, "seg-1", segs[0].ID)
	assert.Equal(t, "https://cdn.example/seg-2.m4s", segs[1].URL)
}
