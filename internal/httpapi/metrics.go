package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

type metricsCollector struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// newMetricsCollector registers the control-plane's counters against the
// default registry, recovering the already-registered collector on repeat
// construction (tests build more than one Router in a process).
func newMetricsCollector() *metricsCollector {
	m := &metricsCollector{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bakery",
			Subsystem: "control_api",
			Name:      "http_requests_total",
			Help:      "Count of processed control-plane HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bakery",
			Subsystem: "control_api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of control-plane HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
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

func (m *metricsCollector) record(method, route string, status int, d time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(d.Seconds())
}

// metricsHandler exposes the default registry, which also carries whatever
// internal/proxy has registered in this process.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
