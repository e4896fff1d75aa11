package offline0

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "offline0"

type metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	cacheWriteErr *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	enqueued      *prometheus.CounterVec
	replays       *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	installs      *prometheus.CounterVec
	events        *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		cacheWriteErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_write_failures_total",
			Help:      "Cache writes that failed and were skipped.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_pending",
			Help:      "Offline actions waiting for replay, as of the last enqueue or flush.",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_enqueued_total",
			Help:      "Offline actions enqueued, by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replays_total",
			Help:      "Offline action replays by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refreshes_total",
			Help:      "Dynamic cache refreshes by result.",
		}, []string{"result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "installs_total",
			Help:      "Cache generation installs by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Dispatched events by kind and result.",
		}, []string{"kind", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.cacheWriteErr,
		m.queueDepth,
		m.enqueued,
		m.replays,
		m.refreshes,
		m.installs,
		m.events,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
