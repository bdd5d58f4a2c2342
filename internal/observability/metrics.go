package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300}
)

// Metrics holds all Prometheus metric instruments for the engine. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveRunners    prometheus.Gauge
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowStepRetriesTotal *prometheus.CounterVec
	WorkflowStoreErrorsTotal *prometheus.CounterVec
	LogWriteFailuresTotal    prometheus.Counter
	ScheduleRunsTotal        *prometheus.CounterVec

	// Outbound action metrics
	ActionHTTPRequestsTotal *prometheus.CounterVec
	ActionBreakerState      *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_id", "trigger"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_workflow_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowActiveRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoflow_workflow_active_runners",
			Help: "Number of instance runners currently executing.",
		}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_workflow_transitions_total",
			Help: "Total number of state transitions taken.",
		}, []string{"workflow_id"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoflow_workflow_step_duration_seconds",
			Help:    "Action execution duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"action_type", "status"}),
		WorkflowStepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_workflow_step_retries_total",
			Help: "Total number of action retries.",
		}, []string{"action_type"}),
		WorkflowStoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_workflow_store_errors_total",
			Help: "Total number of store failures that aborted a step.",
		}, []string{"operation"}),
		LogWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflow_workflow_log_write_failures_total",
			Help: "Total number of execution log writes that failed.",
		}),
		ScheduleRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_schedule_runs_total",
			Help: "Total number of scheduled starts.",
		}, []string{"result"}),

		ActionHTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_action_http_requests_total",
			Help: "Total number of outbound http_request action calls.",
		}, []string{"host", "status"}),
		ActionBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoflow_action_breaker_state",
			Help: "Outbound circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"host"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveRunners,
		m.WorkflowTransitionsTotal,
		m.WorkflowStepDuration,
		m.WorkflowStepRetriesTotal,
		m.WorkflowStoreErrorsTotal,
		m.LogWriteFailuresTotal,
		m.ScheduleRunsTotal,
		m.ActionHTTPRequestsTotal,
		m.ActionBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowStart records a new instance.
func (m *Metrics) RecordWorkflowStart(workflowID, trigger string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(workflowID, trigger).Inc()
}

// RecordWorkflowCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
}

// RunnerStarted increments the active runner gauge.
func (m *Metrics) RunnerStarted() {
	if m == nil {
		return
	}
	m.WorkflowActiveRunners.Inc()
}

// RunnerStopped decrements the active runner gauge.
func (m *Metrics) RunnerStopped() {
	if m == nil {
		return
	}
	m.WorkflowActiveRunners.Dec()
}

// RecordTransition records a transition taken by an instance.
func (m *Metrics) RecordTransition(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(workflowID).Inc()
}

// RecordStep records the duration and outcome of an action execution.
func (m *Metrics) RecordStep(actionType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if actionType == "" {
		actionType = "noop"
	}
	m.WorkflowStepDuration.WithLabelValues(actionType, status).Observe(duration.Seconds())
}

// RecordStepRetry records a retried action attempt.
func (m *Metrics) RecordStepRetry(actionType string) {
	if m == nil {
		return
	}
	if actionType == "" {
		actionType = "noop"
	}
	m.WorkflowStepRetriesTotal.WithLabelValues(actionType).Inc()
}

// RecordStoreError records a store failure that aborted a step.
func (m *Metrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.WorkflowStoreErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordLogWriteFailure records a failed execution log write.
func (m *Metrics) RecordLogWriteFailure() {
	if m == nil {
		return
	}
	m.LogWriteFailuresTotal.Inc()
}

// RecordScheduleRun records the outcome of a scheduled start.
func (m *Metrics) RecordScheduleRun(result string) {
	if m == nil {
		return
	}
	m.ScheduleRunsTotal.WithLabelValues(result).Inc()
}

// RecordOutboundRequest records an http_request action call.
func (m *Metrics) RecordOutboundRequest(host, status string) {
	if m == nil {
		return
	}
	m.ActionHTTPRequestsTotal.WithLabelValues(host, status).Inc()
}

// SetBreakerState sets the breaker state for a host.
func (m *Metrics) SetBreakerState(host string, state int) {
	if m == nil {
		return
	}
	m.ActionBreakerState.WithLabelValues(host).Set(float64(state))
}

// MetricsMiddleware records request counts and latency labelled by chi
// route pattern rather than raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), ResponseStatus(ww), time.Since(start))
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g on /metrics.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern is the matched chi route, or the raw path when no route
// matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" && p != "/*" {
			return p
		}
	}
	return r.URL.Path
}

// ResponseStatus is the status a handler wrote through ww. A handler that
// wrote nothing answered 200.
func ResponseStatus(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
