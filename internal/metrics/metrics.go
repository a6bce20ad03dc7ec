// Package metrics exposes Prometheus collectors for the consistency
// engine. Collectors are package-level so any component can record
// without plumbing a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Async event processor
	IntentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailhead_intents_processed_total",
			Help: "Action intents processed, by terminal result",
		},
		[]string{"result"}, // completed, failed, replayed, invalid
	)

	IntentRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailhead_intent_retries_total",
			Help: "Retry attempts made while applying intents",
		},
	)

	IntentApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trailhead_intent_apply_duration_seconds",
			Help:    "Time spent applying one intent end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Periodic aggregate sync
	SyncCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailhead_sync_cycles_total",
			Help: "Aggregate sync cycles that found dirty items",
		},
	)

	SyncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailhead_sync_items_total",
			Help: "Items processed by the aggregate sync, by outcome",
		},
		[]string{"outcome"}, // synced, failed
	)

	DirtySetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailhead_dirty_set_size",
			Help: "Dirty set size observed at the last sync snapshot",
		},
	)

	// Invalidation batcher
	BatcherFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailhead_batcher_flushes_total",
			Help: "Invalidation batch flushes issued downstream",
		},
	)

	InvalidatedTargets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailhead_invalidated_targets_total",
			Help: "Distinct items and actors invalidated downstream",
		},
	)

	// Reconciliation sweep
	SweepDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailhead_sweep_discrepancies_total",
			Help: "Drift discrepancies seen by the nightly sweep",
		},
		[]string{"table", "outcome"}, // found, fixed
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailhead_sweep_errors_total",
			Help: "Per-table failures during the nightly sweep",
		},
	)
)
