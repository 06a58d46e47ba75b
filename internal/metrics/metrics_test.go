package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PollAttempts.Inc()
	m.PollAttempts.Inc()
	m.APIRequests.WithLabelValues("GET", "2xx").Inc()

	if got := testutil.ToFloat64(m.PollAttempts); got != 2 {
		t.Fatalf("expected 2 poll attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "2xx")); got != 1 {
		t.Fatalf("expected 1 api request, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}

func TestGlobalIsSingleton(t *testing.T) {
	if Global() != Global() {
		t.Fatalf("Global should return the same instance")
	}
}
