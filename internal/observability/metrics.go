package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/jornada/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. It
// satisfies the observer interfaces of the journey, billing and notify
// packages.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Journey metrics
	InstancesStartedTotal   prometheus.Counter
	StageAdvancesTotal      *prometheus.CounterVec
	InstancesCompletedTotal prometheus.Counter

	// Billing metrics
	BillingRuleFiringsTotal *prometheus.CounterVec
	BillingRuleErrorsTotal  *prometheus.CounterVec
	InstallmentsAgedTotal   prometheus.Counter
	PlansDefaultedTotal     prometheus.Counter
	SweepDuration           prometheus.Histogram
	SweepPlanFailuresTotal  prometheus.Counter

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jornada_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jornada_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jornada_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jornada_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Journeys
		InstancesStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jornada_instances_started_total",
			Help: "Total number of journey instances started.",
		}),
		StageAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jornada_stage_advances_total",
			Help: "Total number of stage advances by outcome.",
		}, []string{"outcome"}),
		InstancesCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jornada_instances_completed_total",
			Help: "Total number of journey instances completed.",
		}),

		// Billing
		BillingRuleFiringsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jornada_billing_rule_firings_total",
			Help: "Total number of payment links fired by rule.",
		}, []string{"rule"}),
		BillingRuleErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jornada_billing_rule_errors_total",
			Help: "Total number of payment links that failed to fire by rule.",
		}, []string{"rule"}),
		InstallmentsAgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jornada_installments_aged_total",
			Help: "Total number of installments moved to vencida by the sweep.",
		}),
		PlansDefaultedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jornada_plans_defaulted_total",
			Help: "Total number of plans moved to inadimplente by the sweep.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jornada_sweep_duration_seconds",
			Help:    "Reconciliation sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		SweepPlanFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jornada_sweep_plan_failures_total",
			Help: "Total number of plans the sweep failed to reconcile.",
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jornada_notifications_total",
			Help: "Total number of notification dispatch attempts by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Journeys
		m.InstancesStartedTotal,
		m.StageAdvancesTotal,
		m.InstancesCompletedTotal,
		// Billing
		m.BillingRuleFiringsTotal,
		m.BillingRuleErrorsTotal,
		m.InstallmentsAgedTotal,
		m.PlansDefaultedTotal,
		m.SweepDuration,
		m.SweepPlanFailuresTotal,
		// Notifications
		m.NotificationsTotal,
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

// RecordInstanceStarted records a journey instance start.
func (m *Metrics) RecordInstanceStarted() {
	m.InstancesStartedTotal.Inc()
}

// RecordStageAdvance records a stage advance with its outcome.
func (m *Metrics) RecordStageAdvance(outcome model.StageOutcome) {
	m.StageAdvancesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordInstanceCompleted records a journey instance completion.
func (m *Metrics) RecordInstanceCompleted() {
	m.InstancesCompletedTotal.Inc()
}

// RecordBillingRuleFiring records a payment link firing.
func (m *Metrics) RecordBillingRuleFiring(rule model.PaymentRule) {
	m.BillingRuleFiringsTotal.WithLabelValues(string(rule)).Inc()
}

// RecordBillingRuleError records a payment link that could not fire.
func (m *Metrics) RecordBillingRuleError(rule model.PaymentRule) {
	m.BillingRuleErrorsTotal.WithLabelValues(string(rule)).Inc()
}

// RecordSweep records one reconciliation pass.
func (m *Metrics) RecordSweep(duration time.Duration, aged, defaulted, failures int) {
	m.SweepDuration.Observe(duration.Seconds())
	m.InstallmentsAgedTotal.Add(float64(aged))
	m.PlansDefaultedTotal.Add(float64(defaulted))
	m.SweepPlanFailuresTotal.Add(float64(failures))
}

// RecordNotification records a notification dispatch attempt.
func (m *Metrics) RecordNotification(status string) {
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, RoutePattern(r), status, time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern returns the chi route that matched r, such as
// /v1/journeys/{instanceId}, or the raw path when nothing matched. It is only
// complete once routing has run, so middleware reads it after next returns.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
