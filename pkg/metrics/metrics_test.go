package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncStalls("buffering")
		m.IncSegmentRequests("video", true)
		m.SetActiveSinks(2)
		m.IncCodecCacheLookups("hit")
	})
	assert.Nil(t, m.Registry())
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncStalls("buffering")
	m.IncStalls("buffering")
	m.IncStalls("freezing")
	m.IncDiscontinuitySeeks()
	m.SetActiveSinks(2)

	body := scrape(t, m)
	assert.Contains(t, body, `zenplay_stalls_total{reason="buffering"} 2`)
	assert.Contains(t, body, `zenplay_stalls_total{reason="freezing"} 1`)
	assert.Contains(t, body, "zenplay_discontinuity_seeks_total 1")
	assert.Contains(t, body, "zenplay_active_sinks 2")
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.IncReloads()

	assert.True(t, strings.Contains(scrape(t, m), "zenplay_reloads_total 1"))
}

func TestNilHandler(t *testing.T) {
	var m *Metrics
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
