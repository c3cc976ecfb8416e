package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/veritas/internal/domain"
)

// MetricsCollector holds the Prometheus metrics of Veritas on a custom
// registry. All Observe methods are safe on a nil receiver.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Provider calls.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Reasoning.
	ReasoningResponsesTotal *prometheus.CounterVec
	ReasoningDegradedTotal  *prometheus.CounterVec
	ReasoningDuration       *prometheus.HistogramVec
	ReasoningCostUSD        *prometheus.CounterVec
	CacheLookupsTotal       *prometheus.CounterVec
	ReviewsQueuedTotal      *prometheus.CounterVec

	// Circuit breaker.
	CircuitTransitionsTotal *prometheus.CounterVec

	// Actions.
	ActionTransitionsTotal *prometheus.CounterVec

	// Worker pool.
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// HTTP gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a fresh prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total provider requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "veritas",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Provider request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total provider tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		ReasoningResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "reasoning",
			Name:      "responses_total",
			Help:      "Reasoning responses by type.",
		}, []string{"response_type"}),

		ReasoningDegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "reasoning",
			Name:      "degraded_total",
			Help:      "Degraded reasoning responses by cause.",
		}, []string{"reason"}),

		ReasoningDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "veritas",
			Subsystem: "reasoning",
			Name:      "duration_seconds",
			Help:      "End-to-end reasoning duration in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 2, 5, 10, 30},
		}, []string{"response_type"}),

		ReasoningCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "reasoning",
			Name:      "cost_usd_total",
			Help:      "Settled provider spend in USD.",
		}, []string{"tenant_id"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Reasoning cache lookups by result.",
		}, []string{"result"}),

		ReviewsQueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "review",
			Name:      "queued_total",
			Help:      "Responses routed to human review.",
		}, []string{"tenant_id"}),

		CircuitTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"provider", "from", "to"}),

		ActionTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "actions",
			Name:      "transitions_total",
			Help:      "Action execution state transitions.",
		}, []string{"action_type", "from", "to"}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Background jobs processed.",
		}, []string{"kind", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "veritas",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Background job duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "veritas",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veritas",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ReasoningResponsesTotal,
		m.ReasoningDegradedTotal,
		m.ReasoningDuration,
		m.ReasoningCostUSD,
		m.CacheLookupsTotal,
		m.ReviewsQueuedTotal,
		m.CircuitTransitionsTotal,
		m.ActionTransitionsTotal,
		m.JobsTotal,
		m.JobDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveReasoning records one reasoning response. reason is the degradation
// cause, empty otherwise.
func (m *MetricsCollector) ObserveReasoning(resp *domain.ReasoningResponse, reason string, d time.Duration) {
	if m == nil || resp == nil {
		return
	}
	kind := string(resp.ResponseType)
	m.ReasoningResponsesTotal.WithLabelValues(kind).Inc()
	m.ReasoningDuration.WithLabelValues(kind).Observe(d.Seconds())
	if resp.CostUSD > 0 {
		m.ReasoningCostUSD.WithLabelValues(resp.TenantID).Add(resp.CostUSD)
	}
	if resp.NeedsReview {
		m.ReviewsQueuedTotal.WithLabelValues(resp.TenantID).Inc()
	}

	switch resp.ResponseType {
	case domain.ResponseCached:
		m.CacheLookupsTotal.WithLabelValues("hit").Inc()
	case domain.ResponseTemplated:
	default:
		m.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	if reason != "" {
		m.ReasoningDegradedTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveCircuit records a breaker state change.
func (m *MetricsCollector) ObserveCircuit(_, provider string, from, to domain.CircuitStatus) {
	if m == nil {
		return
	}
	m.CircuitTransitionsTotal.WithLabelValues(provider, string(from), string(to)).Inc()
}

// ObserveTransition records an action execution state change.
func (m *MetricsCollector) ObserveTransition(_, actionType string, from, to domain.ExecutionState) {
	if m == nil {
		return
	}
	m.ActionTransitionsTotal.WithLabelValues(actionType, string(from), string(to)).Inc()
}

// ObserveJob records a finished background job.
func (m *MetricsCollector) ObserveJob(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.JobsTotal.WithLabelValues(kind, status).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(d.Seconds())
}
