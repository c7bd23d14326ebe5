package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

type metricsCollector struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func newMetricsCollector() *metricsCollector {
	m := &metricsCollector{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bakery",
			Subsystem: "router_proxy",
			Name:      "requests_total",
			Help:      "Count of proxied requests by outcome",
		}, []string{"status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bakery",
			Subsystem: "router_proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of proxied requests",
			Buckets:   latencyBuckets,
		}, []string{"status"}),
	}
	for _, collector := range []prometheus.Collector{m.requestTotal, m.requestLatency} {
		if err := prometheus.Register(collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					m.requestTotal = existing
				case *prometheus.HistogramVec:
					m.requestLatency = existing
				}
			}
		}
	}
	return m
}

func (m *metricsCollector) record(status int, d time.Duration) {
	label := prometheus.Labels{"status": strconv.Itoa(status)}
	m.requestTotal.With(label).Inc()
	m.requestLatency.With(label).Observe(d.Seconds())
}
