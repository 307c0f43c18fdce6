package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds all HTTP-related metrics.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestDur     *prometheus.HistogramVec
	responseSize   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP instruments on reg.
//
// Metrics:
//   - prgate_http_requests_total{method,endpoint,status}
//   - prgate_http_request_duration_seconds{method,endpoint,status}
//   - prgate_http_response_size_bytes{method,endpoint,status}
//   - prgate_http_active_requests
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	labels := []string{"method", "endpoint", "status"}
	return &HTTPMetrics{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prgate_http_requests_total",
			Help: "Total HTTP requests by method, route and status code",
		}, labels),
		requestDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, labels),
		responseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prgate_http_response_size_bytes",
			Help:    "HTTP response body size in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		}, labels),
		activeRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "prgate_http_active_requests",
			Help: "Number of currently active HTTP requests",
		}),
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			err := next(c)
			if err != nil {
				// Let echo write the error response so the status is final.
				c.Error(err)
			}

			labels := prometheus.Labels{
				"method":   c.Request().Method,
				"endpoint": normalizePath(c.Path()),
				"status":   strconv.Itoa(c.Response().Status),
			}
			m.requestsTotal.With(labels).Inc()
			m.requestDur.With(labels).Observe(time.Since(start).Seconds())
			m.responseSize.With(labels).Observe(float64(c.Response().Size))
			return nil
		}
	}
}

// normalizePath keeps the label set bounded. c.Path() is the route pattern
// (/api/v1/runs/:id), so only unmatched requests need collapsing.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
