package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordSyncIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSync("success", 0.25)
	m.RecordSync("success", 0.5)
	m.RecordSync("error", 1.0)

	require.Equal(t, float64(2), testutil.ToFloat64(m.SyncAttemptsTotal.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SyncAttemptsTotal.WithLabelValues("error")))
}

func TestRecordMergeConflictIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordMergeConflict()
	m.RecordMergeConflict()
	require.Equal(t, float64(2), testutil.ToFloat64(m.MergeConflictsTotal))
}

func TestRecordDocStoreOpLabelsByOpAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDocStoreOp("write", "ok")
	m.RecordDocStoreOp("write", "error")
	require.Equal(t, float64(1), testutil.ToFloat64(m.DocStoreOpsTotal.WithLabelValues("write", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.DocStoreOpsTotal.WithLabelValues("write", "error")))
}

func TestRecordPushRestartIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordPushRestart()
	require.Equal(t, float64(1), testutil.ToFloat64(m.PushRestartsTotal))
}

func TestNilMetricsMethodsAreNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordSync("success", 1.0)
		m.RecordMergeConflict()
		m.RecordDocStoreOp("read", "ok")
		m.RecordPushRestart()
	})
}
