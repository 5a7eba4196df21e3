// Package up7metrics exposes the session engine's Prometheus metrics.
package up7metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bsteffensmeier/goldm/internal/up7"
)

const (
	namespace = "goldm"
	subsystem = "up7"
)

// Label names for session metrics.
const (
	labelProc   = "proc"
	labelStream = "stream"
)

// Collector holds all session-engine Prometheus metrics.
//
// A session engine lives exactly as long as its peer's connection, so the
// counters describe one session; fleet-level aggregation happens across the
// per-process scrape targets.
type Collector struct {
	// RequestsReceived counts inbound calls by procedure name.
	RequestsReceived *prometheus.CounterVec

	// ProductsDelivered counts outbound products by recovery stream
	// ("missed" or "backlog").
	ProductsDelivered *prometheus.CounterVec

	// BytesDelivered counts outbound product payload bytes by stream.
	BytesDelivered *prometheus.CounterVec

	// NoSuchProducts counts no-such-product notices sent to the peer.
	NoSuchProducts prometheus.Counter

	// SessionState reports the session lifecycle state as its numeric
	// value (0=INIT, 1=SUBSCRIBED, 2=SERVING, 3=DONE).
	SessionState prometheus.Gauge
}

// NewCollector creates a Collector registered against reg. A nil reg uses
// the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_received_total",
			Help:      "Inbound session calls by procedure.",
		}, []string{labelProc}),

		ProductsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "products_delivered_total",
			Help:      "Products delivered to the peer by recovery stream.",
		}, []string{labelStream}),

		BytesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_delivered_total",
			Help:      "Product payload bytes delivered by recovery stream.",
		}, []string{labelStream}),

		NoSuchProducts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "no_such_product_total",
			Help:      "No-such-product notices sent to the peer.",
		}),

		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_state",
			Help:      "Session lifecycle state (0=INIT, 1=SUBSCRIBED, 2=SERVING, 3=DONE).",
		}),
	}

	reg.MustRegister(
		c.RequestsReceived,
		c.ProductsDelivered,
		c.BytesDelivered,
		c.NoSuchProducts,
		c.SessionState,
	)

	return c
}

// RequestReceived implements up7.MetricsReporter.
func (c *Collector) RequestReceived(proc string) {
	c.RequestsReceived.WithLabelValues(proc).Inc()
}

// ProductDelivered implements up7.MetricsReporter.
func (c *Collector) ProductDelivered(stream string, bytes int) {
	c.ProductsDelivered.WithLabelValues(stream).Inc()
	c.BytesDelivered.WithLabelValues(stream).Add(float64(bytes))
}

// NoSuchProduct implements up7.MetricsReporter.
func (c *Collector) NoSuchProduct() {
	c.NoSuchProducts.Inc()
}

// StateChanged implements up7.MetricsReporter.
func (c *Collector) StateChanged(state up7.State) {
	c.SessionState.Set(float64(state))
}

var _ up7.MetricsReporter = (*Collector)(nil)
