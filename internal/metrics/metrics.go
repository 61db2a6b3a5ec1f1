// Package metrics defines the Prometheus metrics exported by the
// ingestion pipeline and provides convenience methods to add accounting
// at the call sites that need it.
//
// When adding a new metric, ask: does it track something entering or
// leaving the pipeline (sequences, changesets, HTTP requests), the
// success/failure split of one of those, or a latency distribution?
package metrics

import (
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SequencesProcessed counts sequences that reached a terminal state,
	// labeled by the terminal status (backfilled, empty, failed).
	//
	// Provides: ingest_sequences_processed_total{status}
	SequencesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_sequences_processed_total",
		Help: "Sequences that reached a terminal state, by status.",
	}, []string{"status"})

	// ChangesetsWritten counts changeset rows inserted or updated by the
	// upserter, labeled by the reconciliation outcome.
	//
	// Provides: ingest_changesets_written_total{outcome}
	ChangesetsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_changesets_written_total",
		Help: "Changeset rows written, by reconciliation outcome (upserted, skipped).",
	}, []string{"outcome"})

	// ElementsSkipped counts dropped work, labeled by reason: per-element
	// parse failures (bad_id, bad_coords, bad_timestamp), changesets the
	// archive loader drops outside its retention window
	// (retention_window), and sequences the worker marks failed
	// (worker_error).
	//
	// Provides: ingest_elements_skipped_total{reason}
	ElementsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_elements_skipped_total",
		Help: "Changeset elements skipped during parsing, by reason.",
	}, []string{"reason"})

	// FetchDuration measures replication-file fetch latency.
	//
	// Provides: ingest_fetch_duration_seconds
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_fetch_duration_seconds",
		Help:    "Latency of replication file fetches, including retries.",
		Buckets: prometheus.DefBuckets,
	})

	// FetchRetries counts retry attempts within a single fetch.
	//
	// Provides: ingest_fetch_retries_total
	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_fetch_retries_total",
		Help: "Retry attempts made within a single replication file fetch.",
	})

	// ActiveWorkers tracks the number of sequence-processing tasks
	// currently in flight.
	//
	// Provides: ingest_active_workers
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_workers",
		Help: "Sequence-processing tasks currently in flight.",
	})

	// QueueDepth tracks the scheduler's pending-sequence queue depth.
	//
	// Provides: ingest_queue_depth
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_depth",
		Help: "Sequence numbers currently queued for processing.",
	})

	// RetryQueueDepth tracks the retry manager's pending-item count.
	//
	// Provides: ingest_retry_queue_depth
	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_retry_queue_depth",
		Help: "Sequences currently waiting in the retry manager's queue.",
	})

	// RetriesScheduled counts sequences handed to the retry manager after
	// a worker failure.
	//
	// Provides: ingest_retries_scheduled_total
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_retries_scheduled_total",
		Help: "Sequences scheduled for retry after a worker failure.",
	})

	// RetriesExhausted counts sequences that hit max_retries and were
	// left in `failed` for operator attention.
	//
	// Provides: ingest_retries_exhausted_total
	RetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_retries_exhausted_total",
		Help: "Sequences that exhausted max_retries and were left failed.",
	})

	// TipLag measures how far behind the local high-water mark is from
	// the upstream replication tip.
	//
	// Provides: ingest_tip_lag_sequences
	TipLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_tip_lag_sequences",
		Help: "Upstream tip sequence minus the highest locally terminated sequence.",
	})

	// Panics counts recovered panics, labeled by the call site that
	// recovered them.
	//
	// Provides: ingest_panics_total{site}
	Panics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_panics_total",
		Help: "Recovered panics, by call site.",
	}, []string{"site"})
)

// CountPanics logs and counts a recovered panic value. Call as
// defer metrics.CountPanics(recover(), "siteName") at the top of any
// goroutine whose failure must not take down the whole process.
func CountPanics(value interface{}, site string) {
	if value == nil {
		return
	}
	Panics.WithLabelValues(site).Inc()
	debug.PrintStack()
}
