// Package middleware holds gin middleware and the Prometheus collectors of the
// ingest API.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrgate_http_requests_total",
			Help: "Total HTTP requests served by the ingest API",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocrgate_http_request_duration_seconds",
			Help:    "HTTP request latency of the ingest API in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 25, 30},
		},
		[]string{"method", "path"},
	)

	// IngestTotal counts ingest requests by how they ended.
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrgate_ingest_total",
			Help: "Ingest requests by outcome",
		},
		[]string{"outcome"},
	)

	// UploadBytes observes the size of staged uploads.
	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocrgate_upload_bytes",
			Help:    "Size of accepted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(4<<10, 4, 8),
		},
	)
)

// Metrics records request count and latency per route. The route pattern is
// used as the path label so job ids never reach the label set.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
