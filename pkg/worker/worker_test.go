package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/transport"
	"github.com/aminofox/zenplay/pkg/types"
)

func newTestWorker(t *testing.T) (*Worker, *httptest.Server) {
	t.Helper()
	w := New(Options{
		SupportedCodecs:     []string{"avc1", "mp4a"},
		ObservationInterval: 10 * time.Millisecond,
		Logger:              logger.NewDiscardLogger(),
		Metrics:             metrics.New(),
	})
	srv := httptest.NewServer(w)
	t.Cleanup(srv.Close)
	return w, srv
}

func TestHealth(t *testing.T) {
	_, srv := newTestWorker(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestWorker(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoteSessionPlaysBufferedData(t *testing.T) {
	w, srv := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, err := transport.Dial(ctx, url, transport.Options{Logger: logger.NewDiscardLogger()})
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return w.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	p := client.Pipeline()
	assert.True(t, p.IsTypeSupported(`video/mp4;codecs="avc1.64001f"`))
	assert.False(t, p.IsTypeSupported(`video/mp4;codecs="hev1.1.6.L93.B0"`))

	buf, err := p.AddBuffer(types.TrackVideo, "avc1.64001f")
	require.NoError(t, err)
	_, err = buf.Append(ctx, []byte("init"), types.AppendParams{IsInit: true})
	require.NoError(t, err)
	_, err = buf.Append(ctx, []byte("media"), types.AppendParams{ChunkInfo: &types.ChunkInfo{Time: 0, Duration: 10}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.Observer().GetCurrentTime() > 0
	}, 2*time.Second, 10*time.Millisecond)
}
