// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for the API. Labels are kept
// bounded: "path" is the registered Gin route (e.g. /api/v1/users/:user/messages)
// or "unmatched", never the raw URL, so user IDs never become label values.
// Error envelopes are counted by their stable code, which is how capacity
// exhaustion and upstream failures show up on dashboards.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// ctxKeyErrorCode holds the error envelope code written for the request.
const ctxKeyErrorCode = "api.error_code"

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// Message routes wait on the model, so buckets reach past the upstream timeout.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests by route.",
		},
		[]string{"path"},
	)

	httpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_api_errors_total",
			Help: "Error responses by route and API error code.",
		},
		[]string{"path", "code"},
	)

	httpReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_idempotent_replays_total",
			Help: "Requests answered from a stored reply via Idempotency-Key.",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpErrors, httpReplays)
}

// SetErrorCode records the API error code of the response so Metrics can
// count it. Handlers call it when they write an error envelope.
func SetErrorCode(c *gin.Context, code string) {
	c.Set(ctxKeyErrorCode, code)
}

// routeLabel is the registered route, or "unmatched" for 404/405 fallbacks.
func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
//
//	r := gin.New()
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
//
// Register it ahead of IdempotencyValidator; replay flags and error codes are
// read after c.Next returns.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := routeLabel(c)
		inflight := httpInflight.WithLabelValues(path)
		inflight.Inc()
		defer inflight.Dec()

		c.Next()

		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if code := c.GetString(ctxKeyErrorCode); code != "" {
			httpErrors.WithLabelValues(path, code).Inc()
		}
		if IsReplay(c) {
			httpReplays.WithLabelValues(path).Inc()
		}
	}
}
