package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.CallSent("render", StatusOK, 0.01)
	m.CallSent("render", StatusError, 0.02)
	m.CallReceived("receive", StatusOK)
	m.AddPending(2)
	m.AddPending(-1)
	m.AddExported(3)
	m.AddImported(1)
	m.ReleasesSent(4)
	m.BatchApplied()
	m.BatchApplied()
	m.BatchRejected()
	m.AddMirrorNodes(5)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"calls sent ok", m.callsSent.WithLabelValues("render", StatusOK), 1},
		{"calls sent error", m.callsSent.WithLabelValues("render", StatusError), 1},
		{"calls received", m.callsReceived.WithLabelValues("receive", StatusOK), 1},
		{"pending", m.pendingCalls, 1},
		{"exported", m.exportedHandles, 3},
		{"imported", m.importedHandles, 1},
		{"releases", m.releasesSent, 4},
		{"applied", m.batches.WithLabelValues("applied"), 2},
		{"rejected", m.batches.WithLabelValues("rejected"), 1},
		{"mirror nodes", m.mirrorNodes, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("value = %v; want %v", got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(m.callDuration); n != 1 {
		t.Errorf("call duration series = %d; want 1", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.CallSent("x", StatusOK, 1)
	m.CallReceived("x", StatusOK)
	m.AddPending(1)
	m.AddExported(1)
	m.AddImported(1)
	m.ReleasesSent(1)
	m.BatchApplied()
	m.BatchRejected()
	m.AddMirrorNodes(1)
}

func TestMetricsRegistryIsolation(t *testing.T) {
	a := New(WithRegistry(prometheus.NewRegistry()))
	b := New(WithRegistry(prometheus.NewRegistry()))
	a.ReleasesSent(1)
	if got := testutil.ToFloat64(b.releasesSent); got != 0 {
		t.Errorf("second registry releases = %v; want 0", got)
	}
}
