package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type contextKey string

const requestIDKey contextKey = "requestID"

type requestMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newRequestMetrics(reg prometheus.Registerer) *requestMetrics {
	m := &requestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hems",
			Subsystem: "web",
			Name:      "requests_total",
			Help:      "Total HTTP requests by path and status code",
		}, []string{"path", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hems",
			Subsystem: "web",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by path",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags every request with an ID and records logs and metrics
// around the handler. Only registered routes become label values; anything
// else is collapsed so unmatched paths cannot blow up metric cardinality.
func instrument(next http.Handler, routes []string, m *requestMetrics, logger *logrus.Logger) http.Handler {
	known := make(map[string]bool, len(routes))
	for _, route := range routes {
		known[route] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		path := r.URL.Path
		if !known[path] {
			path = "other"
		}

		duration := time.Since(start)
		m.requests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
		m.latency.WithLabelValues(path).Observe(duration.Seconds())

		logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"code":       rec.code,
			"duration":   duration.String(),
		}).Debug("Request handled")
	})
}
