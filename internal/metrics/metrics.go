// Package metrics defines the Prometheus instruments of a crsync process.
//
// Every process owns one Metrics value with its own registry, so tests and
// the load test can run many replicas side by side without collisions.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crsync"

// Discard reasons used as the "reason" label of records_discarded_total.
const (
	ReasonSuperseded   = "superseded"
	ReasonDuplicate    = "duplicate"
	ReasonStaleLineage = "stale_lineage"
	ReasonRegression   = "regression"
)

// Metrics holds the process-wide instruments.
type Metrics struct {
	Registry *prometheus.Registry

	RecordsApplied   prometheus.Counter
	RecordsDiscarded *prometheus.CounterVec
	ApplyDuration    prometheus.Histogram
	LocalWrites      prometheus.Counter

	BatchesSent     prometheus.Counter
	BatchesReceived prometheus.Counter
	BatchesRejected *prometheus.CounterVec
	Sessions        prometheus.Gauge
	Reconnects      prometheus.Counter

	Role *prometheus.GaugeVec
}

// New creates a Metrics value registered on a fresh registry together with
// the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		RecordsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "records_applied_total",
			Help:      "Change records that won conflict resolution and were applied.",
		}),
		RecordsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "records_discarded_total",
			Help:      "Change records dropped during merge, by reason.",
		}, []string{"reason"}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one batch, including the commit.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		LocalWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "local_writes_total",
			Help:      "Local write transactions committed.",
		}),

		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "batches_sent_total",
			Help:      "Change batches shipped to peers.",
		}),
		BatchesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "batches_received_total",
			Help:      "Change batches applied and acknowledged.",
		}),
		BatchesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "batches_rejected_total",
			Help:      "Change batches rejected whole, by reason.",
		}, []string{"reason"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sessions",
			Help:      "Peer sessions past the handshake.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Client reconnection attempts.",
		}),

		Role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "role",
			Name:      "current",
			Help:      "1 for the role this node currently holds.",
		}, []string{"role"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RecordsApplied,
		m.RecordsDiscarded,
		m.ApplyDuration,
		m.LocalWrites,
		m.BatchesSent,
		m.BatchesReceived,
		m.BatchesRejected,
		m.Sessions,
		m.Reconnects,
		m.Role,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// MustRegister adds extra collectors, such as a StoreCollector.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(cs...)
}

func (m *Metrics) Applied(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsApplied.Add(float64(n))
}

func (m *Metrics) Discarded(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsDiscarded.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveApply(start time.Time) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) LocalWrite() {
	if m == nil {
		return
	}
	m.LocalWrites.Inc()
}

func (m *Metrics) BatchSent() {
	if m == nil {
		return
	}
	m.BatchesSent.Inc()
}

func (m *Metrics) BatchReceived() {
	if m == nil {
		return
	}
	m.BatchesReceived.Inc()
}

func (m *Metrics) BatchRejected(reason string) {
	if m == nil {
		return
	}
	m.BatchesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetRole marks role as the current one and clears the others.
func (m *Metrics) SetRole(role string, all ...string) {
	if m == nil {
		return
	}
	for _, r := range all {
		m.Role.WithLabelValues(r).Set(0)
	}
	m.Role.WithLabelValues(role).Set(1)
}
