// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs reaching a lifecycle state
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdr_ingest_jobs_total",
			Help: "Jobs by lifecycle state (queued, completed, failed)",
		},
		[]string{"state"},
	)

	// JobDurationSeconds observes job run time from start to terminal state
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdr_ingest_job_duration_seconds",
			Help:    "Duration of job bodies",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
		[]string{"status"},
	)

	// QueueDepth is the number of jobs waiting behind the running one
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdr_ingest_queue_depth",
			Help: "Jobs queued and not yet started",
		},
	)

	// RowsTotal counts ingested rows by outcome
	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdr_ingest_rows_total",
			Help: "Rows processed by the ingestion service",
		},
		[]string{"mode", "outcome"}, // outcome=success/error
	)

	// BatchFallbacks counts batches degraded to row-by-row inserts
	BatchFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdr_ingest_batch_fallbacks_total",
			Help: "Batches whose bulk write failed and were retried row by row",
		},
	)

	// LookupQueries counts tower queries per generation table
	LookupQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdr_ingest_lookup_queries_total",
			Help: "IN (...) queries issued against tower tables",
		},
		[]string{"table"},
	)

	// LookupCacheHits counts identifiers answered from the lookup cache
	LookupCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdr_ingest_lookup_cache_hits_total",
			Help: "CGIs answered from the in-memory cache",
		},
	)

	// LookupCacheMisses counts identifiers that required a query
	LookupCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdr_ingest_lookup_cache_misses_total",
			Help: "CGIs not present in the in-memory cache",
		},
	)

	// EnrichedFiles counts enrichment runs by outcome
	EnrichedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdr_ingest_enriched_files_total",
			Help: "CDR files processed by the enrichment service",
		},
		[]string{"outcome"},
	)

	// HTTPRequestsTotal counts API requests by route template and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdr_ingest_http_requests_total",
			Help: "HTTP requests served by the API",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes API latency by route template
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdr_ingest_http_request_duration_seconds",
			Help:    "Latency of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
