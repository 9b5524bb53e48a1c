// Package syncmetrics exposes the sync engine's Prometheus collectors,
// grounded in the teacher's promauto usage in its syncer/processor
// (polymarket_syncer_block_height, polymarket_blocks_processed_total, …)
// generalized from block-height gauges to sync-pass counters.
package syncmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassesTotal counts completed sync passes by terminal outcome
	// (success, rate_limited, error, offline, captive_portal).
	PassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daylog_sync_passes_total",
		Help: "Total number of completed sync passes by outcome",
	}, []string{"outcome"})

	// MutationsPushedTotal counts pending mutations successfully applied to
	// the server, across both batched event-creates and single mutations.
	MutationsPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daylog_mutations_pushed_total",
		Help: "Total number of pending mutations successfully pushed to the server",
	})

	// MutationsQuarantinedTotal counts mutations dropped either by
	// exhausting mutation_max_attempts or by an immediate validation
	// failure.
	MutationsQuarantinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daylog_mutations_quarantined_total",
		Help: "Total number of pending mutations quarantined by reason",
	}, []string{"reason"})

	// PagesPulledTotal counts change-log pages applied by ChangeFeed.Pull.
	PagesPulledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daylog_pages_pulled_total",
		Help: "Total number of change-log pages applied",
	})

	// CursorValue tracks the last durably-committed sync cursor.
	CursorValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daylog_sync_cursor_value",
		Help: "Current durably-committed sync cursor value",
	})

	// CircuitOpen is 1 while the circuit breaker is open, 0 otherwise.
	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daylog_circuit_open",
		Help: "1 if the circuit breaker is open, 0 otherwise",
	})

	// CircuitTrips counts cumulative circuit breaker trips.
	CircuitTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daylog_circuit_trips_total",
		Help: "Total number of times the circuit breaker has tripped",
	})

	// SyncErrorsTotal counts errors by taxonomy kind (spec.md §7).
	SyncErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daylog_sync_errors_total",
		Help: "Total number of sync errors by kind",
	}, []string{"kind"})

	// PendingMutations tracks the current size of the pending-mutation
	// queue, sampled at the end of each pass.
	PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daylog_pending_mutations",
		Help: "Current number of queued pending mutations",
	})
)
