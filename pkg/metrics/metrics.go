// Package metrics exposes Prometheus counters and gauges of the playback
// core. A nil *Metrics is valid and records nothing, so components can be
// built without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zenplay"

// Metrics holds the collectors of one player or worker process.
type Metrics struct {
	registry *prometheus.Registry

	stallsTotal        *prometheus.CounterVec
	discontinuitySeeks prometheus.Counter
	freezeSeeks        prometheus.Counter
	segmentRequests    *prometheus.CounterVec
	segmentRetries     *prometheus.CounterVec
	segmentFailures    *prometheus.CounterVec
	segmentLoadSeconds *prometheus.HistogramVec
	reloadsTotal       prometheus.Counter
	activeSinks        prometheus.Gauge
	bandwidthEstimate  prometheus.Gauge
	transportMessages  *prometheus.CounterVec
	codecCacheLookups  *prometheus.CounterVec
}

// New creates and registers the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Number of stalled events by reason",
		}, []string{"reason"}),
		discontinuitySeeks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discontinuity_seeks_total",
			Help:      "Number of seeks performed to skip a discontinuity or a buffer gap",
		}),
		freezeSeeks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unfreezing_seeks_total",
			Help:      "Number of micro-seeks performed to get out of a freeze",
		}),
		segmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_requests_total",
			Help:      "Number of segment requests started",
		}, []string{"type", "kind"}),
		segmentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_retries_total",
			Help:      "Number of segment request retries",
		}, []string{"type"}),
		segmentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_failures_total",
			Help:      "Number of segment requests that failed for good",
		}, []string{"type"}),
		segmentLoadSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_load_seconds",
			Help:      "Time taken to load a segment",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"type"}),
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Number of media pipeline reloads",
		}),
		activeSinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sinks",
			Help:      "Number of segment sinks currently initialized",
		}),
		bandwidthEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_estimate_bps",
			Help:      "Current bandwidth estimate in bits per second",
		}),
		transportMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_messages_total",
			Help:      "Messages exchanged over the remote transport",
		}, []string{"direction", "type"}),
		codecCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_cache_lookups_total",
			Help:      "Codec support cache lookups by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.stallsTotal,
		m.discontinuitySeeks,
		m.freezeSeeks,
		m.segmentRequests,
		m.segmentRetries,
		m.segmentFailures,
		m.segmentLoadSeconds,
		m.reloadsTotal,
		m.activeSinks,
		m.bandwidthEstimate,
		m.transportMessages,
		m.codecCacheLookups,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncStalls counts a stalled event
func (m *Metrics) IncStalls(reason string) {
	if m == nil {
		return
	}
	m.stallsTotal.WithLabelValues(reason).Inc()
}

// IncDiscontinuitySeeks counts a corrective seek over a hole
func (m *Metrics) IncDiscontinuitySeeks() {
	if m == nil {
		return
	}
	m.discontinuitySeeks.Inc()
}

// IncFreezeSeeks counts an unfreezing micro-seek
func (m *Metrics) IncFreezeSeeks() {
	if m == nil {
		return
	}
	m.freezeSeeks.Inc()
}

// IncSegmentRequests counts a started segment request
func (m *Metrics) IncSegmentRequests(trackType string, isInit bool) {
	if m == nil {
		return
	}
	kind := "media"
	if isInit {
		kind = "init"
	}
	m.segmentRequests.WithLabelValues(trackType, kind).Inc()
}

// IncSegmentRetries counts a retried segment request
func (m *Metrics) IncSegmentRetries(trackType string) {
	if m == nil {
		return
	}
	m.segmentRetries.WithLabelValues(trackType).Inc()
}

// IncSegmentFailures counts a segment request that failed for good
func (m *Metrics) IncSegmentFailures(trackType string) {
	if m == nil {
		return
	}
	m.segmentFailures.WithLabelValues(trackType).Inc()
}

// ObserveSegmentLoad records the duration of a successful segment load
func (m *Metrics) ObserveSegmentLoad(trackType string, seconds float64) {
	if m == nil {
		return
	}
	m.segmentLoadSeconds.WithLabelValues(trackType).Observe(seconds)
}

// IncReloads counts a media pipeline reload
func (m *Metrics) IncReloads() {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
}

// SetActiveSinks sets the active sinks gauge
func (m *Metrics) SetActiveSinks(n int) {
	if m == nil {
		return
	}
	m.activeSinks.Set(float64(n))
}

// SetBandwidthEstimate sets the bandwidth gauge
func (m *Metrics) SetBandwidthEstimate(bps float64) {
	if m == nil {
		return
	}
	m.bandwidthEstimate.Set(bps)
}

// IncTransportMessages counts a transport message. direction is "in" or "out".
func (m *Metrics) IncTransportMessages(direction, msgType string) {
	if m == nil {
		return
	}
	m.transportMessages.WithLabelValues(direction, msgType).Inc()
}

// IncCodecCacheLookups counts a codec cache lookup, result being "hit" or "miss"
func (m *Metrics) IncCodecCacheLookups(result string) {
	if m == nil {
		return
	}
	m.codecCacheLookups.WithLabelValues(result).Inc()
}

// Handler returns an http.Handler that serves the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
