package initializer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/zenplay/pkg/cache"
	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/fetch"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/manifest"
	"github.com/aminofox/zenplay/pkg/pipeline"
	"github.com/aminofox/zenplay/pkg/playback"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/transport"
	"github.com/aminofox/zenplay/pkg/types"
)

type countingLoader struct {
	loads atomic.Int32
}

func (l *countingLoader) Load(ctx context.Context, seg types.Segment) ([]byte, error) {
	l.loads.Add(1)
	return []byte("chunk:" + seg.ID), nil
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	loaded   []bool
	errs     []error
	warnings []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnLoaded: func(autoPlay bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loaded = append(r.loaded, autoPlay)
		},
		OnWarning: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.warnings = append(r.warnings, err)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) fatalErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) loadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loaded)
}

func representation(id string, bitrate int, codec string, index types.SegmentIndex) *types.Representation {
	return &types.Representation{
		ID:        id,
		Bitrate:   bitrate,
		Codec:     codec,
		MimeType:  "video/mp4",
		Timescale: 90000,
		Index:     index,
	}
}

func testManifest(videoCodec string) *manifest.Manifest {
	end := 20.0
	videoIndex := func() types.SegmentIndex {
		return manifest.NewUniformSegmentList(0, 2, 10, "http://cdn.test/video/%d.mp4", "http://cdn.test/video/init.mp4")
	}
	audioIndex := manifest.NewUniformSegmentList(0, 2, 10, "http://cdn.test/audio/%d.mp4", "http://cdn.test/audio/init.mp4")

	period := &types.Period{
		ID:    "p0",
		Start: 0,
		End:   &end,
		Adaptations: map[types.TrackType][]*types.Adaptation{
			types.TrackVideo: {{
				ID:   "video",
				Type: types.TrackVideo,
				Representations: []*types.Representation{
					representation("video-low", 500_000, videoCodec, videoIndex()),
					representation("video-high", 2_000_000, videoCodec, videoIndex()),
				},
			}},
			types.TrackAudio: {{
				ID:   "audio",
				Type: types.TrackAudio,
				Representations: []*types.Representation{
					{ID: "audio-main", Bitrate: 128_000, Codec: "mp4a.40.2", MimeType: "audio/mp4", Index: audioIndex},
				},
			}},
		},
	}
	return manifest.New([]*types.Period{period}, manifest.Options{LastPeriodKnown: true, MaxPosition: end})
}

type harness struct {
	pipeline *pipeline.Pipeline
	element  *playback.SimulatedElement
	observer *playback.Observer
	loader   *countingLoader
	rec      *recorder
	init     *Initializer
}

func newHarness(t *testing.T, ctx context.Context, m types.Manifest, supported []string) *harness {
	t.Helper()
	p := pipeline.New(pipeline.Options{SupportedCodecs: supported}, logger.NewDiscardLogger())
	el := playback.NewSimulatedElement(p)
	el.LoadMetadata()
	obs := playback.New(el, playback.Options{Interval: 10 * time.Millisecond, Logger: logger.NewDiscardLogger()})
	obs.Start(ctx)

	loader := &countingLoader{}
	cfg := config.DefaultConfig()
	fetcher := fetch.New(fetch.Options{
		Config: cfg.Fetch,
		Loader: loader,
		Logger: logger.NewDiscardLogger(),
	})
	codecCache, err := cache.New(cfg.Cache, logger.NewDiscardLogger(), nil)
	require.NoError(t, err)

	rec := &recorder{}
	init, err := New(m, rec.callbacks(), Options{
		Config:     cfg,
		Transport:  transport.NewLocal(p, obs),
		Fetcher:    fetcher,
		CodecCache: codecCache,
		Logger:     logger.NewDiscardLogger(),
	})
	require.NoError(t, err)

	return &harness{pipeline: p, element: el, observer: obs, loader: loader, rec: rec, init: init}
}

func TestNewRequiresCollaborators(t *testing.T) {
	m := testManifest("avc1.64001f")

	_, err := New(m, Callbacks{}, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeMissingConfig))

	_, err = New(nil, Callbacks{}, Options{})
	require.Error(t, err)
}

func TestInitializerLoadsContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, testManifest("avc1.64001f"), nil)
	require.NoError(t, h.init.Start(ctx, 0, true))

	require.Eventually(t, func() bool {
		return h.init.State() == StateLoaded
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.rec.loadedCount() == 1 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return ranges.LeftSize(h.pipeline.Buffered(), 0) >= 20-ranges.Epsilon
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, h.pipeline.IsEnded, time.Second, 10*time.Millisecond)
	assert.InDelta(t, 20.0, h.pipeline.Duration(), 0.001)

	// 10 media segments and one init segment per track type
	assert.GreaterOrEqual(t, h.loader.loads.Load(), int32(22))
	assert.NotEmpty(t, h.init.SessionID())
	assert.Empty(t, h.rec.fatalErrors())
}

func TestInitializerStartTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, testManifest("avc1.64001f"), nil)
	require.NoError(t, h.init.Start(ctx, 0, false))

	err := h.init.Start(ctx, 0, false)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidState))
}

func TestInitializerUnsupportedCodecIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, testManifest("hev1.1.6.L93.B0"), []string{"avc1", "mp4a"})
	err := h.init.Start(ctx, 0, true)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNoPlayableRepresentation))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, StateErrored, h.init.State())

	require.Eventually(t, func() bool { return len(h.rec.fatalErrors()) == 1 }, time.Second, 10*time.Millisecond)
}

func twoPeriodManifest(firstVideoCodec string) *manifest.Manifest {
	period := func(id string, start float64, videoCodec string) *types.Period {
		end := start + 60
		list := func(kind string) *manifest.SegmentList {
			return manifest.NewUniformSegmentList(start, 2, 30,
				"http://cdn.test/"+id+"/"+kind+"/%d.mp4", "http://cdn.test/"+id+"/"+kind+"/init.mp4")
		}
		return &types.Period{
			ID:    id,
			Start: start,
			End:   &end,
			Adaptations: map[types.TrackType][]*types.Adaptation{
				types.TrackVideo: {{
					ID:              "video",
					Type:            types.TrackVideo,
					Representations: []*types.Representation{representation(id+"-video", 1_000_000, videoCodec, list("video"))},
				}},
				types.TrackAudio: {{
					ID:   "audio",
					Type: types.TrackAudio,
					Representations: []*types.Representation{
						{ID: id + "-audio", Bitrate: 128_000, Codec: "mp4a.40.2", MimeType: "audio/mp4", Index: list("audio")},
					},
				}},
			},
		}
	}
	return manifest.New([]*types.Period{
		period("p0", 0, firstVideoCodec),
		period("p1", 60, "avc1.64001f"),
	}, manifest.Options{LastPeriodKnown: true, MaxPosition: 120})
}

func TestInitializerLoadsWhenStartPeriodVideoIsUnplayable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, twoPeriodManifest("hev1.1.6.L93.B0"), []string{"avc1", "mp4a"})
	require.NoError(t, h.init.Start(ctx, 0, false))

	require.Eventually(t, func() bool {
		return h.init.State() == StateLoaded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.rec.loadedCount())
	assert.Empty(t, h.rec.fatalErrors())
}

func TestInitializerReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, testManifest("avc1.64001f"), nil)
	require.NoError(t, h.init.Start(ctx, 0, true))
	require.Eventually(t, func() bool { return h.init.State() == StateLoaded }, 2*time.Second, 10*time.Millisecond)
	first := h.init.SessionID()

	require.NoError(t, h.init.Reload(6, false))
	assert.NotEqual(t, first, h.init.SessionID())

	require.Eventually(t, func() bool {
		return h.init.State() == StateLoaded && h.rec.loadedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return ranges.LeftSize(h.pipeline.Buffered(), 6) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 6.0, h.observer.GetCurrentTime(), 0.001)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Contains(t, h.rec.states, StateReloading)
	assert.Equal(t, []bool{true, false}, h.rec.loaded)
}

func TestInitializerStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, testManifest("avc1.64001f"), nil)
	require.NoError(t, h.init.Start(ctx, 0, true))
	h.init.Stop()
	h.init.Stop()

	assert.Equal(t, StateStopped, h.init.State())
	assert.Empty(t, h.init.SessionID())

	err := h.init.Reload(0, true)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidState))
}

func TestInitializerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	h := newHarness(t, context.Background(), testManifest("avc1.64001f"), nil)
	require.NoError(t, h.init.Start(ctx, 0, true))
	cancel()

	require.Eventually(t, func() bool { return h.init.State() == StateStopped }, time.Second, 10*time.Millisecond)
}

func TestInitializerBlacklistedKeysAreFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kid := []byte{0x01, 0x02}
	m := testManifest("avc1.64001f")
	for _, rep := range m.Periods()[0].AdaptationsFor(types.TrackVideo)[0].Representations {
		rep.Protections = &types.ContentProtections{KeyIDs: [][]byte{kid}}
	}

	h := newHarness(t, ctx, m, nil)
	require.NoError(t, h.init.Start(ctx, 0, true))
	require.Eventually(t, func() bool { return h.init.State() == StateLoaded }, 2*time.Second, 10*time.Millisecond)

	h.init.OnKeyIDsCompatibilityUpdate(nil, [][]byte{kid})

	assert.Equal(t, StateErrored, h.init.State())
	require.Eventually(t, func() bool { return len(h.rec.fatalErrors()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, errors.IsErrorCode(h.rec.fatalErrors()[0], errors.ErrCodeNoPlayableRepresentation))
}

func TestInitializerReloadsOnUndecipherableRepresentation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := types.ProtectionInitData{SystemID: "edef8ba9", Data: []byte("pssh")}
	m := testManifest("avc1.64001f")
	low := m.Periods()[0].AdaptationsFor(types.TrackVideo)[0].Representations[0]
	low.Protections = &types.ContentProtections{InitData: []types.ProtectionInitData{data}}

	h := newHarness(t, ctx, m, nil)
	require.NoError(t, h.init.Start(ctx, 0, true))
	require.Eventually(t, func() bool { return h.init.State() == StateLoaded }, 2*time.Second, 10*time.Millisecond)
	first := h.init.SessionID()

	h.init.OnBlacklistProtectionData(data)

	require.Eventually(t, func() bool {
		id := h.init.SessionID()
		return id != "" && id != first && h.init.State() == StateLoaded
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, low.IsPlayable())
	assert.Empty(t, h.rec.fatalErrors())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-buffers", StateAwaitingBuffers.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateErrored.IsTerminal())
	assert.False(t, StateLoaded.IsTerminal())
}
