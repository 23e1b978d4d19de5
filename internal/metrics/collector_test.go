package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

func TestDisabledCollectorIsInert(t *testing.T) {
	c, err := NewCollector(Config{Enabled: false})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	// Every method must be safe to call on a disabled collector.
	c.ObserveWALAppend(time.Millisecond, nil)
	c.SetCheckpointSeq(7)
	c.ObserveCacheStats(types.CacheStats{})
	c.ObserveCacheRequest(true)
	c.SetIndexRows(3)
	c.ObserveCompaction()
	c.ObserveCycle(time.Second, 1, 1, types.ReplicationStatus{})
}

func TestWALAppendOutcomes(t *testing.T) {
	c, err := NewCollector(Config{Enabled: true})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	c.ObserveWALAppend(time.Millisecond, nil)
	c.ObserveWALAppend(time.Millisecond, nil)
	c.ObserveWALAppend(time.Millisecond, errors.New(errors.ErrCodeDurabilityFault, "boom"))

	if got := testutil.ToFloat64(c.walAppends.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok appends = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.walAppends.WithLabelValues("error")); got != 1 {
		t.Errorf("error appends = %v, want 1", got)
	}
}

func TestObserveCycleMirrorsStatus(t *testing.T) {
	c, err := NewCollector(Config{Enabled: true})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	c.ObserveCycle(time.Second, 3, 1, types.ReplicationStatus{
		Satisfied:       5,
		UnderReplicated: 2,
		Backends: map[types.BackendID]types.BackendDescriptor{
			"backend-a": {Health: types.HealthHealthy},
			"backend-b": {Health: types.HealthUnreachable},
		},
	})

	if got := testutil.ToFloat64(c.pinStates.WithLabelValues("satisfied")); got != 5 {
		t.Errorf("satisfied = %v", got)
	}
	if got := testutil.ToFloat64(c.pinStates.WithLabelValues("under_replicated")); got != 2 {
		t.Errorf("under_replicated = %v", got)
	}
	if got := testutil.ToFloat64(c.replicaCopies.WithLabelValues("copy")); got != 3 {
		t.Errorf("copies = %v", got)
	}
	if got := testutil.ToFloat64(c.backendHealth.WithLabelValues("backend-a")); got != 1 {
		t.Errorf("backend-a health = %v", got)
	}
	if got := testutil.ToFloat64(c.backendHealth.WithLabelValues("backend-b")); got != 0 {
		t.Errorf("backend-b health = %v", got)
	}
}
