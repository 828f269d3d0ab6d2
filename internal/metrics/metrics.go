// Package metrics exposes the sync pipeline and document store as
// Prometheus instruments.
//
// Every recording method tolerates a nil *Metrics, so a caller that
// never constructed one (tests, a library consumer that doesn't care
// about Prometheus) pays no cost and needs no nil checks of its own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	SyncAttemptsTotal   *prometheus.CounterVec
	SyncDuration        prometheus.Histogram
	MergeConflictsTotal prometheus.Counter
	DocStoreOpsTotal    *prometheus.CounterVec
	PushRestartsTotal   prometheus.Counter
}

// New creates lockbook's metrics and registers them against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockbook_sync_attempts_total",
				Help: "Total sync passes by outcome",
			},
			[]string{"outcome"}, // "success", "error", "cancelled"
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lockbook_sync_duration_seconds",
				Help:    "Duration of a full sync pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		MergeConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lockbook_merge_conflicts_total",
				Help: "Total three-way merge conflicts (differing edits on both sides)",
			},
		),
		DocStoreOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockbook_docstore_ops_total",
				Help: "Total document store operations by kind and outcome",
			},
			[]string{"op", "outcome"}, // op: "read"|"write"|"remove"
		),
		PushRestartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lockbook_push_restarts_total",
				Help: "Total sync pipeline restarts triggered by get_updates_required",
			},
		),
	}
	reg.MustRegister(
		m.SyncAttemptsTotal,
		m.SyncDuration,
		m.MergeConflictsTotal,
		m.DocStoreOpsTotal,
		m.PushRestartsTotal,
	)
	return m
}

func (m *Metrics) RecordSync(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SyncAttemptsTotal.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordMergeConflict() {
	if m == nil {
		return
	}
	m.MergeConflictsTotal.Inc()
}

func (m *Metrics) RecordDocStoreOp(op, outcome string) {
	if m == nil {
		return
	}
	m.DocStoreOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordPushRestart() {
	if m == nil {
		return
	}
	m.PushRestartsTotal.Inc()
}
