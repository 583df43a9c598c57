package boundaries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/manifest"
	"github.com/aminofox/zenplay/pkg/types"
)

func ptr(f float64) *float64 { return &f }

type recorded struct {
	periods   []string
	durations []Duration
	ends      int
	resumes   int
	warnings  []error
}

func (r *recorded) callbacks() Callbacks {
	return Callbacks{
		OnPeriodChange:   func(p *types.Period) { r.periods = append(r.periods, p.ID) },
		OnDurationUpdate: func(d Duration) { r.durations = append(r.durations, d) },
		OnEndOfStream:    func() { r.ends++ },
		OnResumeStream:   func() { r.resumes++ },
		OnWarning:        func(err error) { r.warnings = append(r.warnings, err) },
	}
}

func adaptation(trackType types.TrackType, index *manifest.SegmentList) *types.Adaptation {
	return &types.Adaptation{
		ID:   string(trackType),
		Type: trackType,
		Representations: []*types.Representation{
			{ID: string(trackType) + "-1", Index: index},
		},
	}
}

func twoPeriods() (*manifest.Manifest, *types.Period, *types.Period) {
	p1 := &types.Period{ID: "p1", Start: 0, End: ptr(10)}
	p2 := &types.Period{ID: "p2", Start: 10, End: ptr(20)}
	m := manifest.New([]*types.Period{p1, p2}, manifest.Options{LastPeriodKnown: true, MaxPosition: 20})
	return m, p1, p2
}

func TestPeriodChangeRequiresAllTypes(t *testing.T) {
	m, p1, p2 := twoPeriods()
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackVideo, types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	o.OnRepresentationChange(types.TrackVideo, p1)
	assert.Empty(t, rec.periods)

	o.OnRepresentationChange(types.TrackAudio, p1)
	assert.Equal(t, []string{"p1"}, rec.periods)

	// same period again: no new transition
	o.OnRepresentationChange(types.TrackAudio, p1)
	o.OnRepresentationChange(types.TrackVideo, p2)
	assert.Equal(t, []string{"p1"}, rec.periods)

	o.OnPeriodCleared(types.TrackVideo, p1)
	assert.Equal(t, []string{"p1"}, rec.periods)

	o.OnRepresentationChange(types.TrackAudio, p2)
	o.OnPeriodCleared(types.TrackAudio, p1)
	assert.Equal(t, []string{"p1", "p2"}, rec.periods)
}

func TestEarliestCommonPeriodWins(t *testing.T) {
	m, p1, p2 := twoPeriods()
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackVideo, types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	o.OnRepresentationChange(types.TrackVideo, p2)
	o.OnRepresentationChange(types.TrackAudio, p2)
	o.OnRepresentationChange(types.TrackVideo, p1)
	o.OnRepresentationChange(types.TrackAudio, p1)

	assert.Equal(t, []string{"p2", "p1"}, rec.periods)
}

func TestEndOfStreamAndResume(t *testing.T) {
	m, _, _ := twoPeriods()
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackVideo, types.TrackAudio, types.TrackText}, rec.callbacks(), logger.NewDiscardLogger())

	o.OnLastSegmentFinishedLoading(types.TrackVideo)
	o.OnLastSegmentFinishedLoading(types.TrackAudio)
	assert.Equal(t, 0, rec.ends)

	o.OnLastSegmentFinishedLoading(types.TrackText)
	assert.Equal(t, 1, rec.ends)

	// redundant calls do not emit again
	o.OnLastSegmentFinishedLoading(types.TrackText)
	o.OnManifestUpdate()
	assert.Equal(t, 1, rec.ends)

	o.OnLastSegmentLoadingResume(types.TrackAudio)
	assert.Equal(t, 1, rec.resumes)

	o.OnLastSegmentFinishedLoading(types.TrackAudio)
	assert.Equal(t, 2, rec.ends)
}

func TestNoEndOfStreamUntilLastPeriodKnown(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 0}
	m := manifest.New([]*types.Period{p1}, manifest.Options{Dynamic: true, MaxPosition: 30})
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	o.OnLastSegmentFinishedLoading(types.TrackAudio)
	assert.Equal(t, 0, rec.ends)

	m.Update([]*types.Period{p1}, manifest.Options{Dynamic: true, LastPeriodKnown: true, MaxPosition: 30})
	o.OnManifestUpdate()
	assert.Equal(t, 1, rec.ends)
}

func TestStaticDurationIsMinimumOfAudioAndVideo(t *testing.T) {
	m, _, p2 := twoPeriods()
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackVideo, types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	video := manifest.NewUniformSegmentList(10, 2, 5, "v-%d", "")
	video.MarkEnded()
	audio := manifest.NewUniformSegmentList(10, 1.9, 5, "a-%d", "")
	audio.MarkEnded()

	o.OnAdaptationChange(types.TrackVideo, p2, adaptation(types.TrackVideo, video))
	o.OnAdaptationChange(types.TrackAudio, p2, adaptation(types.TrackAudio, audio))

	d := o.CurrentDuration()
	assert.True(t, d.IsEnd)
	assert.InDelta(t, 19.5, d.Duration, 1e-9)
	require.NotEmpty(t, rec.durations)
	assert.Equal(t, d, rec.durations[len(rec.durations)-1])
}

func TestDynamicDurationUnknownUntilBothAdaptationsKnown(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 0}
	m := manifest.New([]*types.Period{p1}, manifest.Options{Dynamic: true, LastPeriodKnown: true, MaxPosition: 42})
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackVideo, types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	video := manifest.NewUniformSegmentList(0, 2, 30, "v-%d", "")
	video.MarkEnded()
	o.OnAdaptationChange(types.TrackVideo, p1, adaptation(types.TrackVideo, video))
	assert.Equal(t, Duration{Duration: 42, IsEnd: false}, o.CurrentDuration())

	o.OnAdaptationChange(types.TrackAudio, p1, nil)
	assert.Equal(t, Duration{Duration: 60, IsEnd: true}, o.CurrentDuration())
}

func TestObservationOutsideBoundsWarns(t *testing.T) {
	p1 := &types.Period{ID: "p1", Start: 5, End: ptr(10)}
	m := manifest.New([]*types.Period{p1}, manifest.Options{LastPeriodKnown: true, MinPosition: 5, MaxPosition: 10})
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	o.OnObservation(types.Observation{Position: types.ObservationPosition{Wanted: 2}})
	o.OnObservation(types.Observation{Position: types.ObservationPosition{Wanted: 7}})
	o.OnObservation(types.Observation{Position: types.ObservationPosition{Wanted: 11}})

	require.Len(t, rec.warnings, 2)
	assert.True(t, errors.IsErrorCode(rec.warnings[0], errors.ErrCodeMediaTimeBeforeManifest))
	assert.True(t, errors.IsErrorCode(rec.warnings[1], errors.ErrCodeMediaTimeAfterManifest))
	assert.False(t, errors.IsFatal(rec.warnings[0]))
}

func TestDisposeStopsEvents(t *testing.T) {
	m, p1, _ := twoPeriods()
	rec := &recorded{}
	o := New(m, []types.TrackType{types.TrackAudio}, rec.callbacks(), logger.NewDiscardLogger())

	o.Dispose()
	o.Dispose()
	o.OnRepresentationChange(types.TrackAudio, p1)
	o.OnLastSegmentFinishedLoading(types.TrackAudio)
	assert.Empty(t, rec.periods)
	assert.Equal(t, 0, rec.ends)
}
