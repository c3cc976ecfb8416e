package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/llm"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracing != nil {
		t.Error("metrics and tracing should be disabled for a nil config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Tracer() == nil {
		t.Error("Tracer should fall back to a no-op tracer")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("expected metrics collector")
	}
	if obs.Tracing != nil {
		t.Error("tracing should stay disabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if obs.Tracer() == nil {
		t.Error("nil facade should still hand out a tracer")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.LLMRequestsTotal.WithLabelValues("anthropic", "claude", "success").Inc()
	m.ReasoningResponsesTotal.WithLabelValues("full").Inc()
	m.ActionTransitionsTotal.WithLabelValues("update_price", "pending", "awaiting_approval").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/budget", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"veritas_llm_requests_total",
		"veritas_reasoning_responses_total",
		"veritas_actions_transitions_total",
		"veritas_http_requests_total",
		"veritas_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestObserveReasoning(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveReasoning(&domain.ReasoningResponse{TenantID: "acme", ResponseType: domain.ResponseFull, CostUSD: 0.25, NeedsReview: true}, "", time.Second)
	m.ObserveReasoning(&domain.ReasoningResponse{TenantID: "acme", ResponseType: domain.ResponseCached}, "", time.Millisecond)
	m.ObserveReasoning(&domain.ReasoningResponse{TenantID: "acme", ResponseType: domain.ResponseDegraded}, "budget_exceeded", time.Millisecond)
	m.ObserveReasoning(&domain.ReasoningResponse{TenantID: "acme", ResponseType: domain.ResponseTemplated}, "", time.Millisecond)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"full", m.ReasoningResponsesTotal.WithLabelValues("full"), 1},
		{"cost", m.ReasoningCostUSD.WithLabelValues("acme"), 0.25},
		{"reviews", m.ReviewsQueuedTotal.WithLabelValues("acme"), 1},
		{"cache hits", m.CacheLookupsTotal.WithLabelValues("hit"), 1},
		{"cache misses", m.CacheLookupsTotal.WithLabelValues("miss"), 2},
		{"budget degraded", m.ReasoningDegradedTotal.WithLabelValues("budget_exceeded"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestObservers_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ObserveReasoning(&domain.ReasoningResponse{}, "", 0)
	m.ObserveCircuit("acme", "anthropic", domain.CircuitClosed, domain.CircuitOpen)
	m.ObserveTransition("acme", "update_price", domain.StatePending, domain.StateRejected)
	m.ObserveJob("reasoning.run", 0, nil)
}

func TestObserveTransitionsAndJobs(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveCircuit("acme", "anthropic", domain.CircuitClosed, domain.CircuitOpen)
	m.ObserveTransition("acme", "update_price", domain.StateApproved, domain.StateExecuting)
	m.ObserveJob("action.execute", time.Second, nil)
	m.ObserveJob("action.execute", time.Second, errors.New("boom"))

	if got := counterValue(t, m.Registry, "veritas_circuit_transitions_total", prometheus.Labels{"provider": "anthropic", "to": "open"}); got != 1 {
		t.Errorf("circuit transitions = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "veritas_actions_transitions_total", prometheus.Labels{"action_type": "update_price", "to": "executing"}); got != 1 {
		t.Errorf("action transitions = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "veritas_worker_jobs_total", prometheus.Labels{"kind": "action.execute", "status": "failed"}); got != 1 {
		t.Errorf("failed jobs = %v, want 1", got)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("queue", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" || status.Checks["db"].Message == "" {
		t.Errorf("db check = %+v, want fail", status.Checks["db"])
	}
	if status.Checks["queue"].Status != "ok" {
		t.Errorf("queue check = %q, want ok", status.Checks["queue"].Status)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthChecker_DBAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHealthChecker(nil)
	h.AddCheck("db", DBCheck(fakePinger{}))
	h.AddCheck("redis", RedisCheck(client))
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Fatalf("status = %+v, want ok", status)
	}

	mr.Close()
	status := h.CheckReady(context.Background())
	if status.Status != "degraded" || status.Checks["redis"].Status != "fail" {
		t.Errorf("redis outage not reported: %+v", status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %+v", status.Checks["db"])
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string  { return m.name }
func (m *mockProvider) Model() string { return m.name + "-model" }

func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider(t *testing.T) {
	tests := []struct {
		name   string
		inner  *mockProvider
		status string
		tokens float64
	}{
		{
			name:   "success",
			inner:  &mockProvider{name: "test", resp: &llm.Response{Content: "hello", Usage: llm.Usage{InputTokens: 10, OutputTokens: 20}}},
			status: "success",
			tokens: 20,
		},
		{
			name:   "error",
			inner:  &mockProvider{name: "test", err: errors.New("api error")},
			status: "error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			p := NewInstrumentedProvider(tt.inner, metrics, (*TracerSetup)(nil).Tracer())
			if p.Name() != "test" || p.Model() != "test-model" {
				t.Errorf("identity not forwarded: %s/%s", p.Name(), p.Model())
			}

			_, err := p.SendMessage(context.Background(), &llm.Request{MaxTokens: 64})
			if (err != nil) != (tt.inner.err != nil) {
				t.Fatalf("err = %v", err)
			}
			if tt.inner.called != 1 {
				t.Errorf("inner called %d times, want 1", tt.inner.called)
			}
			labels := prometheus.Labels{"provider": "test", "model": "test-model", "status": tt.status}
			if got := counterValue(t, metrics.Registry, "veritas_llm_requests_total", labels); got != 1 {
				t.Errorf("requests_total = %v, want 1", got)
			}
			output := prometheus.Labels{"provider": "test", "direction": "output"}
			if got := counterValue(t, metrics.Registry, "veritas_llm_tokens_used_total", output); got != tt.tokens {
				t.Errorf("output tokens = %v, want %v", got, tt.tokens)
			}
		})
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &mockProvider{name: "test", resp: &llm.Response{Content: "ok"}}
	p := NewInstrumentedProvider(inner, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/actions/8d9a5f3e-2c1b-4e7a-9f0d-6b3c2a1e4d5f", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	labels := prometheus.Labels{"method": "GET", "path": "/v1/actions/:id", "status_code": "404"}
	if got := counterValue(t, metrics.Registry, "veritas_http_requests_total", labels); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveRequests); got != 0 {
		t.Errorf("active requests = %v, want 0", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRoutePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/v1/budget", "/v1/budget"},
		{"/v1/actions/8d9a5f3e-2c1b-4e7a-9f0d-6b3c2a1e4d5f/approve", "/v1/actions/:id/approve"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := RoutePath(tt.in); got != tt.want {
			t.Errorf("RoutePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
