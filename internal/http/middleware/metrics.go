// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic: request
// counts, latencies, in-flight requests, response sizes, and error responses
// by machine-readable code. Labels:
//
//   - method: HTTP verb
//   - path:   the registered Gin route (e.g. /api/v1/conversations/:id/messages),
//     falling back to the raw URL path when no route matched
//   - status: numeric status code as a string
//   - code:   the ErrorResponse code, on the error counter only
//
// Matched routes keep label sets bounded. Collectors register once in init().
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// CtxKeyErrorCode is where handlers record the machine-readable error code of
// a failed response so Metrics can count it.
const CtxKeyErrorCode = "error.code"

// Labels use the registered route pattern, never the raw path, so
// conversation and material ids do not explode cardinality.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursechat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coursechat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency. Answer routes include the model round trips.",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coursechat",
			Subsystem: "http",
			Name:      "requests_inflight",
			Help:      "HTTP requests currently being served.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coursechat",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response sizes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
		},
		[]string{"method", "path"},
	)

	httpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursechat",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Failed HTTP responses by error code.",
		},
		[]string{"path", "code"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, httpErrors)
}

// Metrics instruments every request. Mount promhttp.Handler() separately.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := routeOf(c)
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
		if code := c.GetString(CtxKeyErrorCode); code != "" {
			httpErrors.WithLabelValues(path, code).Inc()
		}
	}
}
