package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered per server so tests can run several servers
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions prometheus.Gauge
	logins   *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxserver_requests_total",
				Help: "Total number of requests by command and result code",
			},
			[]string{"cmd", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rxserver_request_duration_seconds",
				Help:    "Request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cmd"},
		),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxserver_sessions",
			Help: "Number of open sessions",
		}),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxserver_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"status"},
		),
	}
	m.registry.MustRegister(m.requests, m.duration, m.sessions, m.logins)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
