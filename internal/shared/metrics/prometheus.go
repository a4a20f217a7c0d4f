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
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Sync metrics
	syncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_total",
			Help: "Records seen by sync pulls, by outcome",
		},
		[]string{"source", "outcome"},
	)

	syncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_total",
			Help: "Sync jobs by kind and final state",
		},
		[]string{"kind", "state"},
	)

	syncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_job_duration_seconds",
			Help:    "Sync job duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	caseSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_submissions_total",
			Help: "Per-case submission results by destination",
		},
		[]string{"destination", "status"},
	)

	caseStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_status_changes_total",
			Help: "Total number of case status changes",
		},
		[]string{"from_status", "to_status"},
	)

	adapterUnavailableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_unavailable_total",
			Help: "Adapter calls that failed as unavailable",
		},
		[]string{"adapter"},
	)

	vectorRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_records_total",
			Help: "Vector records seen by ingestion, by outcome",
		},
		[]string{"source", "outcome"},
	)

	reportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_generated_total",
			Help: "Total number of reports generated",
		},
		[]string{"report_type"},
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

// routePattern labels requests by their chi route so IDs in paths do not
// explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

// RecordSyncRecords adds n records with the given outcome (new, updated,
// duplicate, quarantined).
func RecordSyncRecords(source, outcome string, n int) {
	if n > 0 {
		syncRecordsTotal.WithLabelValues(source, outcome).Add(float64(n))
	}
}

// RecordSyncJob records a finished job.
func RecordSyncJob(kind, state string, duration time.Duration) {
	syncJobsTotal.WithLabelValues(kind, state).Inc()
	syncJobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCaseSubmission records one per-case sink verdict.
func RecordCaseSubmission(destination, status string) {
	caseSubmissionsTotal.WithLabelValues(destination, status).Inc()
}

// RecordCaseStatusChange records a case status change
func RecordCaseStatusChange(fromStatus, toStatus string) {
	caseStatusChanges.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordAdapterUnavailable records a failed adapter call.
func RecordAdapterUnavailable(adapter string) {
	adapterUnavailableTotal.WithLabelValues(adapter).Inc()
}

// RecordVectorRecords adds n vector records with the given outcome.
func RecordVectorRecords(source, outcome string, n int) {
	if n > 0 {
		vectorRecordsTotal.WithLabelValues(source, outcome).Add(float64(n))
	}
}

// RecordReportGenerated records a generated report.
func RecordReportGenerated(reportType string) {
	reportsGenerated.WithLabelValues(reportType).Inc()
}
