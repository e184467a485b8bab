// Package metrics provides Prometheus instrumentation for the
// uart-gateway fleet controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Node RPC layer (C5).
var (
	ActiveNodeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uartserver_active_node_sessions",
		Help: "Number of currently connected node daemons.",
	})

	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uartserver_rpc_requests_total",
		Help: "Total number of outbound node RPCs, by kind and outcome.",
	}, []string{"kind", "outcome"})

	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uartserver_rpc_request_duration_seconds",
		Help:    "Outbound node RPC round-trip latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	HeartbeatExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartserver_heartbeat_expired_total",
		Help: "Total number of node sessions force-disconnected for heartbeat expiry.",
	})
)

// Terminal cache (C4).
var (
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartserver_cache_hits_total",
		Help: "Total number of terminal cache hits.",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartserver_cache_misses_total",
		Help: "Total number of terminal cache misses.",
	})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartserver_cache_evictions_total",
		Help: "Total number of terminal cache LRU evictions.",
	})

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uartserver_cache_size",
		Help: "Current number of entries held in the terminal cache.",
	})

	CacheBandSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uartserver_cache_band_size",
		Help: "Current number of cache entries per TTL band.",
	}, []string{"band"})
)

// Query scheduler (C6).
var (
	SchedulerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uartserver_scheduler_entries",
		Help: "Current number of scheduling-table entries.",
	})

	SchedulerDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartserver_scheduler_dispatched_total",
		Help: "Total number of InstructQuery RPCs dispatched by the scheduler.",
	})

	SchedulerSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uartserver_scheduler_skipped_total",
		Help: "Total number of scheduling-entry ticks skipped, by reason.",
	}, []string{"reason"})
)

// HTTP surface (admin/metrics listener).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uartserver_http_requests_total",
		Help: "Total number of HTTP requests served, by method, path and status.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uartserver_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by method and path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
