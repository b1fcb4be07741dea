package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "call_signaling"

// Metrics holds the coordinator's Prometheus collectors. It owns its
// registry so tests can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	SessionsTotal   *prometheus.CounterVec
	RingDuration    prometheus.Histogram
	CallDuration    prometheus.Histogram
	SupersededTotal prometheus.Counter
	EndpointsOnline prometheus.GaugeFunc
	SessionsLive    prometheus.GaugeFunc
}

// New registers every collector. endpoints and sessions are sampled on
// scrape; either may be nil.
func New(endpoints, sessions func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound signaling messages by type.",
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error replies and dropped messages by code.",
		}, []string{"code"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished call sessions by final state.",
		}, []string{"state"}),
		RingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ring_duration_seconds",
			Help:      "Time sessions spent ringing.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time answered sessions stayed active.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		SupersededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "superseded_connections_total",
			Help:      "Connections replaced by a newer registration of the same endpoint.",
		}),
	}
	m.EndpointsOnline = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "endpoints_online",
		Help:      "Endpoints with a live connection.",
	}, sample(endpoints))
	m.SessionsLive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "Sessions ringing or active.",
	}, sample(sessions))

	m.registry.MustRegister(
		m.MessagesTotal,
		m.ErrorsTotal,
		m.SessionsTotal,
		m.RingDuration,
		m.CallDuration,
		m.SupersededTotal,
		m.EndpointsOnline,
		m.SessionsLive,
		collectors.NewGoCollector(),
	)
	return m
}

func sample(f func() int) func() float64 {
	return func() float64 {
		if f == nil {
			return 0
		}
		return float64(f())
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFinished records a session that reached a terminal state.
func (m *Metrics) ObserveFinished(state string, created, answered, ended time.Time) {
	m.SessionsTotal.WithLabelValues(state).Inc()
	if answered.IsZero() {
		m.RingDuration.Observe(ended.Sub(created).Seconds())
		return
	}
	m.RingDuration.Observe(answered.Sub(created).Seconds())
	m.CallDuration.Observe(ended.Sub(answered).Seconds())
}
