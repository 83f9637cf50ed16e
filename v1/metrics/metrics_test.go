package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterClusterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterClusterMetrics(reg)

	RequestCounter.WithLabelValues("get", ResultOK).Inc()
	ServedCounter.WithLabelValues("set").Inc()
	TimeoutCounter.Inc()
	LateReplyCounter.Inc()
	ViolationCounter.Inc()
	ForeignPacketCounter.Inc()
	PendingGauge.Set(3)
	WorkerGauge.Set(2)
	WatcherGauge.Set(1)
	RequestLatency.WithLabelValues("get").Observe(0.01)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 10 {
		t.Fatalf("expected 10 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(WorkerGauge); v != 2 {
		t.Fatalf("expected worker gauge 2, got %v", v)
	}
}

func TestRegisterClusterMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterClusterMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterClusterMetrics(reg)
}
