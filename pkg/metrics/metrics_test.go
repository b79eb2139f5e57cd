package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMutation(t *testing.T) {
	before := testutil.ToFloat64(RollbacksTotal.WithLabelValues("test_op"))

	RecordMutation("test_op", errors.New("boom"), 2)
	RecordMutation("test_op", nil, 0)

	if got := testutil.ToFloat64(MutationsTotal.WithLabelValues("test_op", "failure")); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(MutationsTotal.WithLabelValues("test_op", "success")); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(RollbacksTotal.WithLabelValues("test_op")) - before; got != 2 {
		t.Errorf("expected 2 rollbacks, got %v", got)
	}
}
