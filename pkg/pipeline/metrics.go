package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest counters
var (
	binariesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsig_binaries_processed_total",
			Help: "Total number of binaries ingested successfully, by format",
		},
		[]string{"format"},
	)

	binariesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsig_binaries_skipped_total",
			Help: "Total number of binaries not ingested, by reason",
		},
		[]string{"reason"}, // unsupported, corrupt, read, analysis, store, canceled
	)

	functionsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bsig_functions_extracted_total",
			Help: "Total number of functions turned into signature records",
		},
	)

	functionsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bsig_functions_skipped_total",
			Help: "Total number of functions skipped during extraction or encoding",
		},
	)

	ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsig_ingest_duration_seconds",
			Help:    "Time spent ingesting one binary, by format",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"format"},
	)
)

// Query and cache counters
var (
	queriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bsig_queries_total",
			Help: "Total number of similarity queries answered",
		},
	)

	indexRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsig_index_rebuilds_total",
			Help: "Index rebuild attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	digestCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bsig_digest_cache_hits_total",
			Help: "Number of binaries answered from the digest cache without re-analysis",
		},
	)
)
