package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Ban cache metrics
var (
	CacheRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cache_refreshes_total",
		Help: "Total number of ban cache load cycles",
	}, []string{"kind", "status"})

	CacheRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_cache_refresh_duration_seconds",
		Help:    "Ban cache refresh cycle duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_decisions_total",
		Help: "Total number of admission decision queries",
	}, []string{"query", "result"})

	DenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_denials_total",
		Help: "Total number of denied admissions",
	}, []string{"kind"})
)

// Sweeper metrics
var (
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_sweeps_total",
		Help: "Total number of expiration sweep cycles",
	}, []string{"status"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_sweep_duration_seconds",
		Help:    "Expiration sweep cycle duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	})

	ExpiredRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_expired_records_total",
		Help: "Total number of store records flipped to expired by the sweeper",
	}, []string{"table"})
)

// Gauges updated periodically by the collector
var (
	CachedBansTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_cached_bans_total",
		Help: "Number of ban records in the in-memory replica",
	})

	CachedIdentitiesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_cached_identities_total",
		Help: "Number of identities with cached IP history",
	})

	ActivePenaltiesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_active_penalties_total",
		Help: "Number of penalty entries currently tracked",
	})

	ConnectedSessionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_connected_sessions_total",
		Help: "Number of connected sessions in the registry",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 2 || segments[0] != "api" {
		return path
	}

	switch segments[1] {
	case "bans":
		if len(segments) == 3 && (segments[2] == "player" || segments[2] == "active") {
			return path
		}
		if len(segments) == 3 {
			return "/api/bans/:id"
		}
		if len(segments) == 4 && segments[2] == "player" {
			return "/api/bans/player/:steamid"
		}
	case "sessions":
		if len(segments) == 3 && segments[2] != "reset" {
			return "/api/sessions/:slot"
		}
	case "penalties":
		if len(segments) == 3 {
			return "/api/penalties/:slot"
		}
	case "mutes":
		if len(segments) == 3 {
			return "/api/mutes/:id"
		}
	}
	return path
}

func splitPath(path string) []string {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
