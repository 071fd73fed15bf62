package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordNodeCounts(t *testing.T) {
	RecordNodeCounts(3, 1, 0, 2)

	if got := testutil.ToFloat64(NodesByStatus.WithLabelValues("active")); got != 3 {
		t.Errorf("active gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(NodesByStatus.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed gauge = %v, want 2", got)
	}

	// Subsequent calls replace, not accumulate.
	RecordNodeCounts(1, 0, 0, 0)
	if got := testutil.ToFloat64(NodesByStatus.WithLabelValues("active")); got != 1 {
		t.Errorf("active gauge after update = %v, want 1", got)
	}
}

func TestRecordRebalanceMove(t *testing.T) {
	before := testutil.ToFloat64(RebalanceMoves.WithLabelValues("success"))
	RecordRebalanceMove(true)
	RecordRebalanceMove(false)

	if got := testutil.ToFloat64(RebalanceMoves.WithLabelValues("success")); got != before+1 {
		t.Errorf("success counter = %v, want %v", got, before+1)
	}
}
