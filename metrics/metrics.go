package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProbeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rest_raster_probe_requests_total",
			Help: "Metadata probe requests by endpoint spelling and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ProbeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rest_raster_probe_cache_hits_total",
			Help: "Metadata probes answered from the cache",
		},
	)

	DownloadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rest_raster_download_attempts_total",
			Help: "Image download attempts by source (href or raw query) and outcome",
		},
		[]string{"source", "outcome"},
	)

	LadderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rest_raster_ladder_attempts_total",
			Help: "Fetch attempts per ladder position",
		},
		[]string{"position"},
	)

	BoundaryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rest_raster_boundaries_total",
			Help: "Boundaries processed by terminal state",
		},
		[]string{"state"},
	)

	BoundaryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rest_raster_boundary_duration_seconds",
			Help:    "Wall time spent fetching one boundary",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)
