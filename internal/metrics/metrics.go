// Package metrics holds the node's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so services can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rapid"

type Metrics struct {
	registry *prometheus.Registry

	dispatches    *prometheus.CounterVec
	channelErrors *prometheus.CounterVec
	drainResults  *prometheus.CounterVec
	queueDepth    prometheus.Gauge

	envelopesIn      *prometheus.CounterVec
	envelopesDropped *prometheus.CounterVec
	relayed          prometheus.Counter
	meshQueueDepth   prometheus.Gauge
	peers            prometheus.Gauge

	online prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sos",
			Name:      "dispatch_total",
			Help:      "SOS dispatch outcomes by delivery method.",
		}, []string{"outcome", "method"}),
		channelErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sos",
			Name:      "channel_failures_total",
			Help:      "Failed delivery attempts per channel.",
		}, []string{"channel"}),
		drainResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sos",
			Name:      "drain_entries_total",
			Help:      "Queued alerts processed by drain passes.",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sos",
			Name:      "queue_depth",
			Help:      "Alerts currently held in the durable queue.",
		}),
		envelopesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "envelopes_received_total",
			Help:      "Envelopes accepted for handling, by type.",
		}, []string{"type"}),
		envelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped on receipt, by reason.",
		}, []string{"reason"}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "envelopes_relayed_total",
			Help:      "Envelopes rebroadcast to peers.",
		}),
		meshQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "retry_queue_depth",
			Help:      "Envelopes waiting in the in-memory retry queue.",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "peers",
			Help:      "Currently known mesh peers.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 when the upstream network is reachable.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatch(outcome, method string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome, method).Inc()
}

func (m *Metrics) ChannelFailure(channel string) {
	if m == nil {
		return
	}
	m.channelErrors.WithLabelValues(channel).Inc()
}

func (m *Metrics) DrainEntry(result string) {
	if m == nil {
		return
	}
	m.drainResults.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) EnvelopeReceived(kind string) {
	if m == nil {
		return
	}
	m.envelopesIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) EnvelopeRelayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

func (m *Metrics) MeshQueueDepth(n int) {
	if m == nil {
		return
	}
	m.meshQueueDepth.Set(float64(n))
}

func (m *Metrics) Peers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) Online(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
