// Package metrics holds the Prometheus collectors for discovery, publishing
// and the HTTP API. Collectors register on the default registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DiscoveryDecisions counts filter chain outcomes per candidate.
	DiscoveryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_discovery_decisions_total",
			Help: "Discovery candidates by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	// DiscoverySourceErrors counts sources (tags, locations) skipped in a run.
	DiscoverySourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_discovery_source_errors_total",
			Help: "Discovery sources skipped because of fetch or store errors",
		},
		[]string{"stage"},
	)

	DiscoveryAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "curator_discovery_admitted_total",
			Help: "Media items stored by discovery",
		},
	)

	DiscoveryRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "curator_discovery_run_duration_seconds",
			Help:    "Duration of discovery runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"result"},
	)

	// PublishAttempts counts publish attempts by outcome: published, or the
	// failing step name.
	PublishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_publish_attempts_total",
			Help: "Publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	DailyActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "curator_daily_actions",
			Help: "Publish actions used today (UTC)",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_http_requests_total",
			Help: "HTTP requests to the review API",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "curator_http_request_duration_seconds",
			Help:    "Duration of review API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency. Paths are labeled with the
// chi route pattern so ids do not blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
