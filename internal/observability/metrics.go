package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for camlink.
// All methods are safe to call on a nil receiver so components can run
// without metrics wired in (e.g. in tests).
type Metrics struct {
	registry *prometheus.Registry

	sessionsNegotiatedTotal prometheus.Counter
	sessionsStartedTotal    prometheus.Counter
	sessionsStoppedTotal    prometheus.Counter
	activeSessions          prometheus.Gauge

	upstreamAcquiresTotal    prometheus.Counter
	upstreamStartsTotal      prometheus.Counter
	duplicateStartsTotal     prometheus.Counter
	upstreamHandles          prometheus.Gauge
	watchdogExpiriesTotal    prometheus.Counter
	transcoderSpawnsTotal    prometheus.Counter
	transcoderFailuresTotal  prometheus.Counter
	snapshotCacheHitsTotal   prometheus.Counter
	snapshotCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsNegotiatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_sessions_negotiated_total",
			Help: "Total number of viewer sessions negotiated",
		}),
		sessionsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_sessions_started_total",
			Help: "Total number of viewer sessions started",
		}),
		sessionsStoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_sessions_stopped_total",
			Help: "Total number of viewer sessions stopped",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camlink_active_sessions",
			Help: "Number of currently active viewer sessions",
		}),
		upstreamAcquiresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_upstream_acquires_total",
			Help: "Total number of upstream handle acquisitions",
		}),
		upstreamStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_upstream_starts_total",
			Help: "Total number of start commands issued to devices",
		}),
		duplicateStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_upstream_duplicate_starts_total",
			Help: "Total number of duplicate device start notifications discarded",
		}),
		upstreamHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camlink_upstream_handles",
			Help: "Number of live upstream handles",
		}),
		watchdogExpiriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_watchdog_expiries_total",
			Help: "Total number of sessions stopped by return-channel inactivity",
		}),
		transcoderSpawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_transcoder_spawns_total",
			Help: "Total number of transcoder processes spawned",
		}),
		transcoderFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_transcoder_failures_total",
			Help: "Total number of transcoder spawn failures and abnormal exits",
		}),
		snapshotCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_snapshot_cache_hits_total",
			Help: "Total number of snapshot requests served from cache",
		}),
		snapshotCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camlink_snapshot_cache_misses_total",
			Help: "Total number of snapshot requests requiring an upstream fetch",
		}),
	}

	registry.MustRegister(
		m.sessionsNegotiatedTotal,
		m.sessionsStartedTotal,
		m.sessionsStoppedTotal,
		m.activeSessions,
		m.upstreamAcquiresTotal,
		m.upstreamStartsTotal,
		m.duplicateStartsTotal,
		m.upstreamHandles,
		m.watchdogExpiriesTotal,
		m.transcoderSpawnsTotal,
		m.transcoderFailuresTotal,
		m.snapshotCacheHitsTotal,
		m.snapshotCacheMissesTotal,
	)

	return m
}

// IncSessionsNegotiated increments the negotiated sessions counter.
func (m *Metrics) IncSessionsNegotiated() {
	if m == nil {
		return
	}
	m.sessionsNegotiatedTotal.Inc()
}

// IncSessionsStarted increments the started sessions counter.
func (m *Metrics) IncSessionsStarted() {
	if m == nil {
		return
	}
	m.sessionsStartedTotal.Inc()
}

// IncSessionsStopped increments the stopped sessions counter.
func (m *Metrics) IncSessionsStopped() {
	if m == nil {
		return
	}
	m.sessionsStoppedTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// IncUpstreamAcquires increments the upstream acquisitions counter.
func (m *Metrics) IncUpstreamAcquires() {
	if m == nil {
		return
	}
	m.upstreamAcquiresTotal.Inc()
}

// IncUpstreamStarts increments the device start command counter.
func (m *Metrics) IncUpstreamStarts() {
	if m == nil {
		return
	}
	m.upstreamStartsTotal.Inc()
}

// IncDuplicateStarts increments the discarded duplicate start counter.
func (m *Metrics) IncDuplicateStarts() {
	if m == nil {
		return
	}
	m.duplicateStartsTotal.Inc()
}

// SetUpstreamHandles sets the live upstream handle gauge.
func (m *Metrics) SetUpstreamHandles(n int) {
	if m == nil {
		return
	}
	m.upstreamHandles.Set(float64(n))
}

// IncWatchdogExpiries increments the watchdog expiry counter.
func (m *Metrics) IncWatchdogExpiries() {
	if m == nil {
		return
	}
	m.watchdogExpiriesTotal.Inc()
}

// IncTranscoderSpawns increments the transcoder spawn counter.
func (m *Metrics) IncTranscoderSpawns() {
	if m == nil {
		return
	}
	m.transcoderSpawnsTotal.Inc()
}

// IncTranscoderFailures increments the transcoder failure counter.
func (m *Metrics) IncTranscoderFailures() {
	if m == nil {
		return
	}
	m.transcoderFailuresTotal.Inc()
}

// IncSnapshotCacheHits increments the snapshot cache hit counter.
func (m *Metrics) IncSnapshotCacheHits() {
	if m == nil {
		return
	}
	m.snapshotCacheHitsTotal.Inc()
}

// IncSnapshotCacheMisses increments the snapshot cache miss counter.
func (m *Metrics) IncSnapshotCacheMisses() {
	if m == nil {
		return
	}
	m.snapshotCacheMissesTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
