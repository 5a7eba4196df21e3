package up7metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	up7metrics "github.com/bsteffensmeier/goldm/internal/metrics"
	"github.com/bsteffensmeier/goldm/internal/up7"
)

// counterValue extracts a counter's current value for the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := up7metrics.NewCollector(reg)

	if c.RequestsReceived == nil {
		t.Error("RequestsReceived is nil")
	}
	if c.ProductsDelivered == nil {
		t.Error("ProductsDelivered is nil")
	}
	if c.BytesDelivered == nil {
		t.Error("BytesDelivered is nil")
	}
	if c.NoSuchProducts == nil {
		t.Error("NoSuchProducts is nil")
	}
	if c.SessionState == nil {
		t.Error("SessionState is nil")
	}

	// Registration must not panic and must gather cleanly.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestReporterObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := up7metrics.NewCollector(reg)

	c.RequestReceived("subscribe")
	c.RequestReceived("request_product")
	c.RequestReceived("request_product")
	if got := counterValue(t, c.RequestsReceived, "request_product"); got != 2 {
		t.Errorf("request_product counter = %v, want 2", got)
	}

	c.ProductDelivered("missed", 128)
	c.ProductDelivered("backlog", 64)
	c.ProductDelivered("backlog", 64)
	if got := counterValue(t, c.ProductsDelivered, "backlog"); got != 2 {
		t.Errorf("backlog delivery counter = %v, want 2", got)
	}
	if got := counterValue(t, c.BytesDelivered, "backlog"); got != 128 {
		t.Errorf("backlog bytes counter = %v, want 128", got)
	}

	c.NoSuchProduct()
	m := &dto.Metric{}
	if err := c.NoSuchProducts.Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("no-such-product counter = %v, want 1", got)
	}

	c.StateChanged(up7.StateServing)
	g := &dto.Metric{}
	if err := c.SessionState.Write(g); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := g.GetGauge().GetValue(); got != float64(up7.StateServing) {
		t.Errorf("session state gauge = %v, want %v", got, float64(up7.StateServing))
	}
}
