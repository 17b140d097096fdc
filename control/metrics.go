// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus metrics for the relay, kept on a private registry so tests and
// multiple servers in one process do not collide.

package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics holds every relay collector.
type Metrics struct {
	Registry *prometheus.Registry

	ConnsAccepted prometheus.Counter
	ConnsRejected *prometheus.CounterVec
	ConnsClosed   *prometheus.CounterVec
	ConnsActive   prometheus.Gauge

	JobsSubmitted *prometheus.CounterVec
	EventsDropped prometheus.Counter

	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	FanoutDeliveries prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ConnsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Accepted TCP connections.",
		}),
		ConnsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed right after accept, by reason.",
		}, []string{"reason"}),
		ConnsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed connections by reason.",
		}, []string{"reason"}),
		ConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently in the table.",
		}),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs handed to the worker pool, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Readiness events ignored because the connection was busy, closed or unknown.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes received from peers.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes sent to peers.",
		}),
		FanoutDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Messages copied into a peer outbound buffer.",
		}),
	}
	reg.MustRegister(
		m.ConnsAccepted, m.ConnsRejected, m.ConnsClosed, m.ConnsActive,
		m.JobsSubmitted, m.EventsDropped,
		m.BytesIn, m.BytesOut, m.FanoutDeliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
