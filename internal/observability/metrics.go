package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "matches_total", Help: "Total number of matches"})
	NoMatchTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "no_match_total", Help: "Ride requests that found no driver"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "gf5_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})
	DriverIngestTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "driver_ingest_total", Help: "Driver location snapshots ingested over HTTP"})

	StatusUpdatesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "status_updates_total", Help: "Successful driver status writes"})
	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "location_updates_total", Help: "Successful batched location writes"})
	LocationWriteErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "location_write_errors_total", Help: "Location writes dropped after a store error"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "gf5_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gf5_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
