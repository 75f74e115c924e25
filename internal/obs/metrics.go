package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	AuthMethodLocal    = "local"
	AuthMethodGoogle   = "google"
	AuthMethodSession  = "session"
	unmatchedRouteName = "unmatched"
)

// Metrics owns a private registry so tests and multiple servers never collide on registration.
type Metrics struct {
	registry            *prometheus.Registry
	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	authOutcomes        *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec
}

// NewMetrics registers the HTTP, auth and process collectors.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		authOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waroeng_auth_outcomes_total",
				Help: "Authentication attempts by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Waroeng API build information.",
			},
			[]string{"version", "commit"},
		),
	}
	metrics.registry.MustRegister(
		metrics.httpInFlight,
		metrics.httpRequestsTotal,
		metrics.httpRequestDuration,
		metrics.authOutcomes,
		metrics.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics
}

// Registry exposes the underlying registry for assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBuildInfo publishes build_info{version,commit} 1.
func (m *Metrics) SetBuildInfo(version string, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// ObserveAuth counts an authentication attempt.
func (m *Metrics) ObserveAuth(method string, outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(method, outcome).Inc()
}

// Middleware measures request count, latency and concurrency labelled by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.httpInFlight.Inc()
		start := time.Now()
		completed := false
		defer func() {
			path := c.FullPath()
			if path == "" {
				path = unmatchedRouteName
			}
			code := c.Writer.Status()
			// A handler that panicked is answered with 500 by the recovery middleware.
			if !completed {
				code = http.StatusInternalServerError
			}
			status := strconv.Itoa(code)
			method := c.Request.Method

			m.httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			m.httpInFlight.Dec()
		}()

		c.Next()
		completed = true
	}
}
