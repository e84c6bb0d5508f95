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
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Clinic API metrics
	clinicAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_auth_total",
			Help: "Total number of clinic API login attempts",
		},
		[]string{"environment", "outcome"},
	)

	clinicFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_fetch_total",
			Help: "Total number of record category fetches",
		},
		[]string{"category", "outcome"},
	)

	clinicRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinic_request_duration_seconds",
			Help:    "Clinic API request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// Summarization metrics
	summarizationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarization_total",
			Help: "Total number of narrative generation requests",
		},
		[]string{"model", "outcome"},
	)

	summarizationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "summarization_duration_seconds",
			Help:    "Narrative generation duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model"},
	)

	// Session metrics
	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	auditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries written",
		},
		[]string{"sink", "outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern prefers the matched chi route so labels stay bounded
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if len(r.URL.Path) > 100 {
		return "/api/..."
	}
	return r.URL.Path
}

// --- Business metric helpers ---

// RecordClinicAuth records a login attempt against a clinic environment
func RecordClinicAuth(environment, outcome string, duration time.Duration) {
	clinicAuthTotal.WithLabelValues(environment, outcome).Inc()
	clinicRequestDuration.WithLabelValues("login").Observe(duration.Seconds())
}

// RecordClinicFetch records one record category fetch
func RecordClinicFetch(category, outcome string, duration time.Duration) {
	clinicFetchTotal.WithLabelValues(category, outcome).Inc()
	clinicRequestDuration.WithLabelValues("fetch_" + category).Observe(duration.Seconds())
}

// RecordSummarization records a narrative generation call
func RecordSummarization(model, outcome string, duration time.Duration) {
	summarizationTotal.WithLabelValues(model, outcome).Inc()
	summarizationDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTransition records a session state change
func RecordTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordAuditEntry records an audit write
func RecordAuditEntry(sink string, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	auditEntriesTotal.WithLabelValues(sink, outcome).Inc()
}
