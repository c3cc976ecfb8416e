package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/engine"
	"github.com/jkaninda/veritas/internal/executor"
	"github.com/jkaninda/veritas/internal/pipeline"
	"github.com/jkaninda/veritas/internal/ratelimit"
	"github.com/jkaninda/veritas/internal/review"
	"github.com/jkaninda/veritas/internal/storage"
)

const (
	acmeKey   = "key-acme"
	globexKey = "key-globex"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakePipeline struct {
	tenant string
	pred   domain.Prediction
}

func (f *fakePipeline) Process(_ context.Context, tenantID string, pred domain.Prediction) (*pipeline.Result, error) {
	f.tenant, f.pred = tenantID, pred
	return &pipeline.Result{Response: &domain.ReasoningResponse{
		ID:           uuid.New(),
		TenantID:     tenantID,
		PredictionID: pred.PredictionID,
		ResponseType: domain.ResponseTemplated,
	}}, nil
}

type fakeReasoning struct {
	responses map[uuid.UUID]*domain.ReasoningResponse
}

func (f *fakeReasoning) Get(_ context.Context, tenantID string, id uuid.UUID) (*domain.ReasoningResponse, error) {
	r, ok := f.responses[id]
	if !ok || r.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeReasoning) Submit(_ context.Context, tenantID string, _ domain.Prediction) (*domain.Job, error) {
	return &domain.Job{ID: uuid.New(), TenantID: tenantID, Kind: "reasoning.run", Status: domain.JobQueued}, nil
}

type fakeActions struct {
	execs  map[uuid.UUID]*domain.ActionExecution
	err    error
	filter storage.ExecutionFilter
	reason string
}

func (f *fakeActions) find(tenantID string, id uuid.UUID) (*domain.ActionExecution, error) {
	e, ok := f.execs[id]
	if !ok || e.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeActions) Get(_ context.Context, tenantID string, id uuid.UUID) (*domain.ActionExecution, error) {
	return f.find(tenantID, id)
}

func (f *fakeActions) List(_ context.Context, filter storage.ExecutionFilter) ([]*domain.ActionExecution, error) {
	f.filter = filter
	return nil, nil
}

func (f *fakeActions) Ticket(_ context.Context, id uuid.UUID) (*domain.ApprovalTicket, error) {
	return &domain.ApprovalTicket{ExecutionID: id, Priority: 1, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeActions) Approve(_ context.Context, tenantID string, id uuid.UUID, approver string) (*domain.ActionExecution, error) {
	e, err := f.find(tenantID, id)
	if err != nil {
		return nil, err
	}
	if f.err != nil {
		return e, f.err
	}
	e.State, e.DecidedBy = domain.StateApproved, approver
	return e, nil
}

func (f *fakeActions) Reject(_ context.Context, tenantID string, id uuid.UUID, actor, reason string) (*domain.ActionExecution, error) {
	e, err := f.find(tenantID, id)
	if err != nil {
		return nil, err
	}
	f.reason = reason
	e.State, e.DecidedBy = domain.StateRejected, actor
	return e, nil
}

func (f *fakeActions) Rollback(_ context.Context, tenantID string, id uuid.UUID, _ string) (*domain.ActionExecution, error) {
	e, err := f.find(tenantID, id)
	if err != nil {
		return nil, err
	}
	return e, f.err
}

type fakeBudget struct{}

func (fakeBudget) Status(_ context.Context, tenantID string) (domain.Budget, error) {
	return domain.Budget{TenantID: tenantID, Period: "2026-10-16", ReservedAmount: 12.5, Limit: 50}, nil
}

type fakeReviews struct {
	err error
}

func (f *fakeReviews) List(_ context.Context, tenantID string, status domain.ReviewStatus, _ int) ([]*domain.ReviewItem, error) {
	return []*domain.ReviewItem{{ID: uuid.New(), TenantID: tenantID, Status: status}}, nil
}

func (f *fakeReviews) Resolve(_ context.Context, tenantID string, id uuid.UUID, accept bool, reviewer, note string) (*domain.ReviewItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	status := domain.ReviewRejected
	if accept {
		status = domain.ReviewAccepted
	}
	return &domain.ReviewItem{ID: id, TenantID: tenantID, Status: status, ReviewedBy: reviewer, Note: note}, nil
}

type fixture struct {
	gw        *Gateway
	srv       *httptest.Server
	pipeline  *fakePipeline
	reasoning *fakeReasoning
	actions   *fakeActions
	reviews   *fakeReviews
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, rl *ratelimit.Limiter) *fixture {
	t.Helper()
	f := &fixture{
		pipeline:  &fakePipeline{},
		reasoning: &fakeReasoning{responses: make(map[uuid.UUID]*domain.ReasoningResponse)},
		actions:   &fakeActions{execs: make(map[uuid.UUID]*domain.ActionExecution)},
		reviews:   &fakeReviews{},
		registry:  prometheus.NewRegistry(),
	}
	f.gw = NewGateway(Config{
		APIKeys: map[string]config.Principal{
			acmeKey:   {TenantID: "acme", UserID: "alice"},
			globexKey: {TenantID: "globex", UserID: "bob"},
		},
		MetricsRegistry: f.registry,
	}, Services{
		Pipeline:  f.pipeline,
		Reasoning: f.reasoning,
		Actions:   f.actions,
		Budget:    fakeBudget{},
		Reviews:   f.reviews,
	}, rl, discard())
	f.srv = httptest.NewServer(f.gw.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, key, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (f *fixture) addExecution(tenantID string, state domain.ExecutionState) uuid.UUID {
	id := uuid.New()
	f.actions.execs[id] = &domain.ActionExecution{ID: id, TenantID: tenantID, ActionType: "flag_for_review", State: state}
	return id
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"unknown key", "nope", http.StatusUnauthorized},
		{"valid key", acmeKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := f.do(t, http.MethodGet, "/v1/budget", tt.key, "")
			if code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestProbesAreUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if code, _ := f.do(t, http.MethodGet, path, "", ""); code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}))

	if code, _ := f.do(t, http.MethodGet, "/v1/budget", acmeKey, ""); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/budget", acmeKey, ""); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/budget", globexKey, ""); code != http.StatusOK {
		t.Errorf("another principal must keep its own allowance, got %d", code)
	}
}

func TestReason(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"sync", `{"prediction_id":"p-1","impact_score":0.2}`, http.StatusOK},
		{"async", `{"prediction_id":"p-2","impact_score":0.9,"async":true}`, http.StatusAccepted},
		{"missing prediction", `{"impact_score":0.2}`, http.StatusBadRequest},
		{"impact out of range", `{"prediction_id":"p-3","impact_score":1.5}`, http.StatusBadRequest},
		{"malformed", `{"prediction_id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/v1/reasoning", acmeKey, tt.body)
			if code != tt.want {
				t.Fatalf("status = %d, want %d: %s", code, tt.want, body)
			}
			if code == http.StatusAccepted {
				var jr JobResponse
				if err := json.Unmarshal(body, &jr); err != nil {
					t.Fatal(err)
				}
				if jr.Job == nil || jr.StatusURL != "/v1/jobs/"+jr.Job.ID.String() {
					t.Errorf("unexpected job response %s", body)
				}
			}
		})
	}

	if f.pipeline.tenant != "acme" || f.pipeline.pred.TenantID != "acme" {
		t.Errorf("tenant must come from the API key, got %q", f.pipeline.tenant)
	}
}

func TestGetResponse_TenantIsolation(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	f.reasoning.responses[id] = &domain.ReasoningResponse{ID: id, TenantID: "acme"}

	if code, _ := f.do(t, http.MethodGet, "/v1/reasoning/"+id.String(), acmeKey, ""); code != http.StatusOK {
		t.Errorf("owner got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/reasoning/"+id.String(), globexKey, ""); code != http.StatusNotFound {
		t.Errorf("other tenant got %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/reasoning/not-a-uuid", acmeKey, ""); code != http.StatusBadRequest {
		t.Errorf("bad id got %d, want 400", code)
	}
}

func TestApprove_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"approved", nil, http.StatusOK},
		{"expired", engine.ErrApprovalExpired, http.StatusGone},
		{"rejected", engine.ErrApprovalRejected, http.StatusConflict},
		{"wrong state", fmt.Errorf("%w: cannot approve a completed execution", engine.ErrInvalidTransition), http.StatusConflict},
		{"store failure", fmt.Errorf("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.actions.err = tt.err
			id := f.addExecution("acme", domain.StateAwaitingApproval)

			code, body := f.do(t, http.MethodPost, "/v1/actions/"+id.String()+"/approve", acmeKey, "")
			if code != tt.want {
				t.Fatalf("status = %d, want %d: %s", code, tt.want, body)
			}
			if tt.err == nil && f.actions.execs[id].DecidedBy != "alice" {
				t.Errorf("approver = %q, want the key's user", f.actions.execs[id].DecidedBy)
			}
		})
	}
}

func TestApprove_UnknownExecution(t *testing.T) {
	f := newFixture(t, nil)
	id := f.addExecution("globex", domain.StateAwaitingApproval)
	if code, _ := f.do(t, http.MethodPost, "/v1/actions/"+id.String()+"/approve", acmeKey, ""); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	id := f.addExecution("acme", domain.StateAwaitingApproval)

	if code, _ := f.do(t, http.MethodPost, "/v1/actions/"+id.String()+"/reject", acmeKey, `{}`); code != http.StatusBadRequest {
		t.Errorf("missing reason got %d, want 400", code)
	}
	code, _ := f.do(t, http.MethodPost, "/v1/actions/"+id.String()+"/reject", acmeKey, `{"reason":"too risky"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if f.actions.reason != "too risky" || f.actions.execs[id].State != domain.StateRejected {
		t.Errorf("rejection not applied: %+v", f.actions.execs[id])
	}
}

func TestRollback_Failure(t *testing.T) {
	f := newFixture(t, nil)
	f.actions.err = fmt.Errorf("%w: %w", executor.ErrRollbackFailed, executor.ErrTransient)
	id := f.addExecution("acme", domain.StateCompleted)

	if code, _ := f.do(t, http.MethodPost, "/v1/actions/"+id.String()+"/rollback", acmeKey, ""); code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", code)
	}
}

func TestGetAction_IncludesTicket(t *testing.T) {
	f := newFixture(t, nil)
	id := f.addExecution("acme", domain.StateAwaitingApproval)

	code, body := f.do(t, http.MethodGet, "/v1/actions/"+id.String(), acmeKey, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var resp struct {
		ID     uuid.UUID              `json:"id"`
		Ticket *domain.ApprovalTicket `json:"ticket"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != id || resp.Ticket == nil || resp.Ticket.ExecutionID != id {
		t.Errorf("unexpected body %s", body)
	}
}

func TestListActions_StateFilter(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/v1/actions?state=awaiting_approval,failed&limit=900", acmeKey, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty list should encode as [], got %s", body)
	}
	got := f.actions.filter
	if got.TenantID != "acme" || len(got.States) != 2 || got.Limit != maxListLimit {
		t.Errorf("filter = %+v", got)
	}

	if code, _ := f.do(t, http.MethodGet, "/v1/actions?state=exploded", acmeKey, ""); code != http.StatusBadRequest {
		t.Errorf("unknown state got %d, want 400", code)
	}
}

func TestBudget(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/v1/budget", acmeKey, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var b BudgetResponse
	if err := json.Unmarshal(body, &b); err != nil {
		t.Fatal(err)
	}
	if b.TenantID != "acme" || b.RemainingUSD != 37.5 {
		t.Errorf("budget = %+v", b)
	}
}

func TestResolveReview(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"accepted", nil, `{"accept":true,"note":"checked"}`, http.StatusOK},
		{"accept missing", nil, `{"note":"?"}`, http.StatusBadRequest},
		{"already resolved", review.ErrAlreadyResolved, `{"accept":false}`, http.StatusConflict},
		{"unknown item", review.ErrNotFound, `{"accept":false}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.reviews.err = tt.err
			code, body := f.do(t, http.MethodPost, "/v1/reviews/"+uuid.NewString()+"/resolve", acmeKey, tt.body)
			if code != tt.want {
				t.Fatalf("status = %d, want %d: %s", code, tt.want, body)
			}
		})
	}
}

func TestListReviews_UnknownStatus(t *testing.T) {
	f := newFixture(t, nil)
	if code, _ := f.do(t, http.MethodGet, "/v1/reviews?status=lost", acmeKey, ""); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/reviews", acmeKey, ""); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

func TestDisabledServices(t *testing.T) {
	f := newFixture(t, nil)
	// Circuits and stats were not configured.
	for _, path := range []string{"/v1/circuits", "/v1/stats", "/v1/jobs/" + uuid.NewString()} {
		if code, _ := f.do(t, http.MethodGet, path, acmeKey, ""); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
}

func TestPrincipal(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		header string
		query  string
		want   string
		ok     bool
	}{
		{"bearer", "Bearer " + acmeKey, "", "acme", true},
		{"query token", "", globexKey, "globex", true},
		{"header wins", "Bearer " + acmeKey, globexKey, "acme", true},
		{"unknown", "Bearer nope", "", "", false},
		{"none", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/events?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			p, ok := f.gw.Principal(r)
			if ok != tt.ok || p.TenantID != tt.want {
				t.Errorf("Principal = %+v, %v", p, ok)
			}
		})
	}
}
