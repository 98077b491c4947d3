package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Template metrics
	TemplateChangesTotal     *prometheus.CounterVec
	TemplateValidationErrors *prometheus.CounterVec

	// Work metrics
	WorksCreatedTotal    *prometheus.CounterVec
	StepTransitionsTotal *prometheus.CounterVec
	WorkCompletionsTotal *prometheus.CounterVec
	ActiveWorks          prometheus.Gauge
	StepDuration         *prometheus.HistogramVec
	RejectedTransitions  *prometheus.CounterVec

	// Alert metrics
	AlertScanDuration  prometheus.Histogram
	OpenAlerts         prometheus.Gauge
	OverdueSteps       prometheus.Gauge

	// Idempotency metrics
	IdempotencyHitsTotal      prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tramite_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tramite_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tramite_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Templates
		TemplateChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_template_changes_total",
			Help: "Total number of procedure template mutations.",
		}, []string{"operation"}),
		TemplateValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_template_validation_errors_total",
			Help: "Total number of rejected template mutations.",
		}, []string{"operation"}),

		// Work
		WorksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_works_created_total",
			Help: "Total number of work instances created.",
		}, []string{"template_id"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_step_transitions_total",
			Help: "Total number of step instance transitions.",
		}, []string{"transition"}),
		WorkCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_work_completions_total",
			Help: "Total number of work instances closed.",
		}, []string{"final_status"}),
		ActiveWorks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tramite_active_works",
			Help: "Number of open work instances.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tramite_step_duration_seconds",
			Help:    "Wall time between step start and completion in seconds.",
			Buckets: []float64{60, 3600, 86400, 259200, 604800, 2592000},
		}, []string{"template_id"}),
		RejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tramite_rejected_transitions_total",
			Help: "Total number of transitions rejected by lifecycle guards.",
		}, []string{"transition", "code"}),

		// Alerts
		AlertScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tramite_alert_scan_duration_seconds",
			Help:    "Deadline alert scan duration in seconds.",
			Buckets: storeDurationBuckets,
		}),
		OpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tramite_open_alerts",
			Help: "Number of steps currently inside the alert window.",
		}),
		OverdueSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tramite_overdue_steps",
			Help: "Number of open steps past their deadline.",
		}),

		// Idempotency
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tramite_idempotency_hits_total",
			Help: "Total idempotency cache replays.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tramite_idempotency_conflicts_total",
			Help: "Total idempotency key reuses with a different payload.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Templates
		m.TemplateChangesTotal,
		m.TemplateValidationErrors,
		// Work
		m.WorksCreatedTotal,
		m.StepTransitionsTotal,
		m.WorkCompletionsTotal,
		m.ActiveWorks,
		m.StepDuration,
		m.RejectedTransitions,
		// Alerts
		m.AlertScanDuration,
		m.OpenAlerts,
		m.OverdueSteps,
		// Idempotency
		m.IdempotencyHitsTotal,
		m.IdempotencyConflictsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTemplateChange records a template mutation.
func (m *Metrics) RecordTemplateChange(operation string) {
	m.TemplateChangesTotal.WithLabelValues(operation).Inc()
}

// RecordTemplateValidationError records a rejected template mutation.
func (m *Metrics) RecordTemplateValidationError(operation string) {
	m.TemplateValidationErrors.WithLabelValues(operation).Inc()
}

// RecordWorkCreated records a new work instance.
func (m *Metrics) RecordWorkCreated(templateID int64) {
	m.WorksCreatedTotal.WithLabelValues(strconv.FormatInt(templateID, 10)).Inc()
	m.ActiveWorks.Inc()
}

// RecordStepTransition records a successful step transition.
func (m *Metrics) RecordStepTransition(transition string) {
	m.StepTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordStepDuration records the wall time a step spent in progress.
func (m *Metrics) RecordStepDuration(templateID int64, duration time.Duration) {
	m.StepDuration.WithLabelValues(strconv.FormatInt(templateID, 10)).Observe(duration.Seconds())
}

// RecordWorkCompletion records a work instance reaching a closed status.
func (m *Metrics) RecordWorkCompletion(finalStatus string) {
	m.WorkCompletionsTotal.WithLabelValues(finalStatus).Inc()
	m.ActiveWorks.Dec()
}

// RecordRejectedTransition records a transition rejected by a lifecycle guard.
func (m *Metrics) RecordRejectedTransition(transition, code string) {
	m.RejectedTransitions.WithLabelValues(transition, code).Inc()
}

// RecordAlertScan records one deadline scan pass.
func (m *Metrics) RecordAlertScan(duration time.Duration, open, overdue int) {
	m.AlertScanDuration.Observe(duration.Seconds())
	m.OpenAlerts.Set(float64(open))
	m.OverdueSteps.Set(float64(overdue))
}

// RecordIdempotencyHit records a replayed response.
func (m *Metrics) RecordIdempotencyHit() {
	m.IdempotencyHitsTotal.Inc()
}

// RecordIdempotencyConflict records a key reuse with a different payload.
func (m *Metrics) RecordIdempotencyConflict() {
	m.IdempotencyConflictsTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
