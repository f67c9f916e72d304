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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	captureDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}
	decisionWaitBuckets    = []float64{1, 5, 15, 30, 60, 120, 300, 600}
	jobDurationBuckets     = []float64{10, 30, 60, 300, 900, 1800, 3600, 7200}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Job metrics
	JobStartsTotal      *prometheus.CounterVec
	JobCompletionsTotal *prometheus.CounterVec
	JobsActive          prometheus.Gauge
	JobDuration         prometheus.Histogram
	TransitionsTotal    *prometheus.CounterVec
	ItemResultsTotal    *prometheus.CounterVec

	// Decision metrics
	DecisionsTotal      *prometheus.CounterVec
	DecisionWait        *prometheus.HistogramVec
	DecisionsPending    prometheus.Gauge
	LateDeliveriesTotal prometheus.Counter

	// Capture metrics
	CaptureRacesTotal     *prometheus.CounterVec
	CaptureRaceDuration   prometheus.Histogram
	CaptureStrategyTotal  *prometheus.CounterVec
	CaptureRejectedTotal  *prometheus.CounterVec
	CaptureBreakerState   *prometheus.GaugeVec
	CaptureBytesPerWinner prometheus.Histogram

	// Recovery metrics
	RecoveriesTotal *prometheus.CounterVec

	// Operator channel metrics
	OperatorConnections prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Jobs
		JobStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_job_starts_total",
			Help: "Total number of retrieval jobs started.",
		}, []string{"source"}),
		JobCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_job_completions_total",
			Help: "Total number of retrieval jobs finished, by final status.",
		}, []string{"source", "final_status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docket_jobs_active",
			Help: "Number of jobs currently running.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docket_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs in seconds.",
			Buckets: jobDurationBuckets,
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_state_transitions_total",
			Help: "Total number of workflow state transitions.",
		}, []string{"from_state", "to_state"}),
		ItemResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_item_results_total",
			Help: "Total number of parent items processed, by outcome.",
		}, []string{"status"}),

		// Decisions
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_decisions_total",
			Help: "Total number of operator decisions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		DecisionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_decision_wait_seconds",
			Help:    "Time spent waiting for an operator decision.",
			Buckets: decisionWaitBuckets,
		}, []string{"kind"}),
		DecisionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docket_decisions_pending",
			Help: "Number of outstanding operator decisions.",
		}),
		LateDeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docket_decision_late_deliveries_total",
			Help: "Total number of responses discarded for lack of a pending decision.",
		}),

		// Capture
		CaptureRacesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_capture_races_total",
			Help: "Total number of capture races, by result.",
		}, []string{"result"}),
		CaptureRaceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docket_capture_race_duration_seconds",
			Help:    "Capture race duration in seconds.",
			Buckets: captureDurationBuckets,
		}),
		CaptureStrategyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_capture_strategy_outcomes_total",
			Help: "Total number of strategy outcomes per race.",
		}, []string{"strategy", "outcome"}),
		CaptureRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_capture_rejected_total",
			Help: "Total number of candidates rejected by the validity gate.",
		}, []string{"strategy"}),
		CaptureBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docket_capture_breaker_state",
			Help: "Strategy breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"strategy"}),
		CaptureBytesPerWinner: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docket_capture_resource_size_bytes",
			Help:    "Size of captured resources in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),

		// Recovery
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_recoveries_total",
			Help: "Total number of recovery attempts, by result.",
		}, []string{"result"}),

		OperatorConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docket_operator_connections",
			Help: "Number of attached operator connections.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Jobs
		m.JobStartsTotal,
		m.JobCompletionsTotal,
		m.JobsActive,
		m.JobDuration,
		m.TransitionsTotal,
		m.ItemResultsTotal,
		// Decisions
		m.DecisionsTotal,
		m.DecisionWait,
		m.DecisionsPending,
		m.LateDeliveriesTotal,
		// Capture
		m.CaptureRacesTotal,
		m.CaptureRaceDuration,
		m.CaptureStrategyTotal,
		m.CaptureRejectedTotal,
		m.CaptureBreakerState,
		m.CaptureBytesPerWinner,
		// Recovery
		m.RecoveriesTotal,
		m.OperatorConnections,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can be
// constructed without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordJobStart records a job start.
func (m *Metrics) RecordJobStart(source string) {
	if m == nil {
		return
	}
	m.JobStartsTotal.WithLabelValues(source).Inc()
	m.JobsActive.Inc()
}

// RecordJobCompletion records a job reaching a terminal status.
func (m *Metrics) RecordJobCompletion(source, finalStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobCompletionsTotal.WithLabelValues(source, finalStatus).Inc()
	m.JobsActive.Dec()
	m.JobDuration.Observe(duration.Seconds())
}

// RecordTransition records a workflow state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordItemResult records the outcome of one parent item.
func (m *Metrics) RecordItemResult(status string) {
	if m == nil {
		return
	}
	m.ItemResultsTotal.WithLabelValues(status).Inc()
}

// RecordDecisionRequested marks a decision as outstanding.
func (m *Metrics) RecordDecisionRequested() {
	if m == nil {
		return
	}
	m.DecisionsPending.Inc()
}

// RecordDecisionResolved records how an outstanding decision resolved.
// Outcome is one of answered, timed_out, cancelled.
func (m *Metrics) RecordDecisionResolved(kind, outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsPending.Dec()
	m.DecisionsTotal.WithLabelValues(kind, outcome).Inc()
	m.DecisionWait.WithLabelValues(kind).Observe(wait.Seconds())
}

// RecordLateDelivery records a response with no pending decision.
func (m *Metrics) RecordLateDelivery() {
	if m == nil {
		return
	}
	m.LateDeliveriesTotal.Inc()
}

// RecordCaptureRace records the result of one capture race.
func (m *Metrics) RecordCaptureRace(result string, duration time.Duration, size int) {
	if m == nil {
		return
	}
	m.CaptureRacesTotal.WithLabelValues(result).Inc()
	m.CaptureRaceDuration.Observe(duration.Seconds())
	if size > 0 {
		m.CaptureBytesPerWinner.Observe(float64(size))
	}
}

// RecordStrategyOutcome records one strategy's outcome in a race. Outcome is
// one of won, lost, failed, skipped.
func (m *Metrics) RecordStrategyOutcome(strategy, outcome string) {
	if m == nil {
		return
	}
	m.CaptureStrategyTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordCaptureRejected records a candidate rejected by the validity gate.
func (m *Metrics) RecordCaptureRejected(strategy string) {
	if m == nil {
		return
	}
	m.CaptureRejectedTotal.WithLabelValues(strategy).Inc()
}

// SetCaptureBreakerState sets the breaker state for a strategy.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCaptureBreakerState(strategy string, state float64) {
	if m == nil {
		return
	}
	m.CaptureBreakerState.WithLabelValues(strategy).Set(state)
}

// RecordRecovery records a recovery result (recovered, failed, cancelled).
func (m *Metrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(result).Inc()
}

// OperatorConnected adjusts the attached operator connection gauge.
func (m *Metrics) OperatorConnected(delta float64) {
	if m == nil {
		return
	}
	m.OperatorConnections.Add(delta)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

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

// HandlerFor returns a Prometheus handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// responseRecorder wraps http.ResponseWriter to capture status and bytes.
// The metrics and tracing middleware share it.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
