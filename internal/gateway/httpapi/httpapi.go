// Package httpapi implements the operator REST API of Veritas.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - The tenant is taken from the API key, never from the request body
//   - Request body size limits (default 1 MB)
//   - Per-principal rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/budget"
	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/engine"
	"github.com/jkaninda/veritas/internal/executor"
	"github.com/jkaninda/veritas/internal/gateway"
	"github.com/jkaninda/veritas/internal/observability"
	"github.com/jkaninda/veritas/internal/pipeline"
	"github.com/jkaninda/veritas/internal/ratelimit"
	"github.com/jkaninda/veritas/internal/review"
	"github.com/jkaninda/veritas/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20
	defaultListLimit      = 50
	maxListLimit          = 500
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string
	EnableDocs bool
	APIKeys    map[string]config.Principal

	MetricsRegistry *prometheus.Registry
	MetricsPath     string
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Processor runs a prediction end to end. Implemented by pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, tenantID string, pred domain.Prediction) (*pipeline.Result, error)
}

// ReasoningService reads responses and queues asynchronous runs.
// Implemented by reasoning.Orchestrator.
type ReasoningService interface {
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ReasoningResponse, error)
	Submit(ctx context.Context, tenantID string, p domain.Prediction) (*domain.Job, error)
}

// ActionService drives the action state machine. Implemented by engine.Engine.
type ActionService interface {
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ActionExecution, error)
	List(ctx context.Context, f storage.ExecutionFilter) ([]*domain.ActionExecution, error)
	Ticket(ctx context.Context, executionID uuid.UUID) (*domain.ApprovalTicket, error)
	Approve(ctx context.Context, tenantID string, id uuid.UUID, approver string) (*domain.ActionExecution, error)
	Reject(ctx context.Context, tenantID string, id uuid.UUID, actor, reason string) (*domain.ActionExecution, error)
	Rollback(ctx context.Context, tenantID string, id uuid.UUID, actor string) (*domain.ActionExecution, error)
}

// BudgetReader reports the spend of a tenant. Implemented by budget.Controller.
type BudgetReader interface {
	Status(ctx context.Context, tenantID string) (domain.Budget, error)
}

// CircuitReader lists breaker snapshots. Implemented by circuit.Breaker.
type CircuitReader interface {
	States(tenantID string) []domain.CircuitState
}

// ReviewService lists and resolves review items. Implemented by review.Queue.
type ReviewService interface {
	List(ctx context.Context, tenantID string, status domain.ReviewStatus, limit int) ([]*domain.ReviewItem, error)
	Resolve(ctx context.Context, tenantID string, id uuid.UUID, accept bool, reviewer, note string) (*domain.ReviewItem, error)
}

// JobReader reads persisted job handles. Implemented by storage.JobStore.
type JobReader interface {
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Job, error)
}

// StatsReader aggregates the operator view of a tenant. Implemented by storage.Store.
type StatsReader interface {
	Stats(ctx context.Context, tenantID string) (*storage.Stats, error)
}

// Services are the backends exposed by the API. A nil service disables its routes.
type Services struct {
	Pipeline  Processor
	Reasoning ReasoningService
	Actions   ActionService
	Budget    BudgetReader
	Circuits  CircuitReader
	Reviews   ReviewService
	Jobs      JobReader
	Stats     StatsReader
}

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     Services
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	extraRoutes []extraRoute
	once        sync.Once

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil to disable rate limiting.
func NewGateway(cfg Config, svc Services, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Veritas",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern, such as the WebSocket event stream. The handler authenticates
// its own requests, typically through Principal.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler registers the routes on first use and returns the API handler.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	if g.svc.Pipeline != nil && g.svc.Reasoning != nil {
		g.group.Post("/reasoning", g.handleReason,
			okapi.DocSummary("Explain a prediction, synchronously or as a queued job"),
			okapi.DocTags("Reasoning"),
			okapi.DocRequestBody(ReasonRequest{}),
			okapi.DocResponse(pipeline.Result{}),
			okapi.DocResponse(http.StatusAccepted, JobResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
		g.group.Get("/reasoning/{id}", g.handleGetResponse,
			okapi.DocSummary("Get a reasoning response"),
			okapi.DocTags("Reasoning"),
			okapi.DocPathParam("id", "string", "Response ID (UUID)"),
			okapi.DocResponse(domain.ReasoningResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}
	if g.svc.Jobs != nil {
		g.group.Get("/jobs/{id}", g.handleGetJob,
			okapi.DocSummary("Get the status of a queued job"),
			okapi.DocTags("Jobs"),
			okapi.DocPathParam("id", "string", "Job ID (UUID)"),
			okapi.DocResponse(domain.Job{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.svc.Actions != nil {
		g.group.Get("/actions", g.handleListActions,
			okapi.DocSummary("List action executions, optionally filtered by state"),
			okapi.DocTags("Actions"),
			okapi.DocResponse([]domain.ActionExecution{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/actions/{id}", g.handleGetAction,
			okapi.DocSummary("Get an action execution and its approval ticket"),
			okapi.DocTags("Actions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(ActionResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/actions/{id}/approve", g.handleApprove,
			okapi.DocSummary("Approve an execution awaiting approval"),
			okapi.DocTags("Actions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(domain.ActionExecution{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
		g.group.Post("/actions/{id}/reject", g.handleReject,
			okapi.DocSummary("Reject an execution before it runs"),
			okapi.DocTags("Actions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocRequestBody(RejectRequest{}),
			okapi.DocResponse(domain.ActionExecution{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Post("/actions/{id}/rollback", g.handleRollback,
			okapi.DocSummary("Roll back a completed execution"),
			okapi.DocTags("Actions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(domain.ActionExecution{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}

	if g.svc.Budget != nil {
		g.group.Get("/budget", g.handleBudget,
			okapi.DocSummary("Get the spend of the current period"),
			okapi.DocTags("Operations"),
			okapi.DocResponse(BudgetResponse{}),
		)
	}
	if g.svc.Circuits != nil {
		g.group.Get("/circuits", g.handleCircuits,
			okapi.DocSummary("List provider circuit breakers"),
			okapi.DocTags("Operations"),
			okapi.DocResponse([]domain.CircuitState{}),
		)
	}
	if g.svc.Stats != nil {
		g.group.Get("/stats", g.handleStats,
			okapi.DocSummary("Get aggregate reasoning and action statistics"),
			okapi.DocTags("Operations"),
			okapi.DocResponse(storage.Stats{}),
		)
	}

	if g.svc.Reviews != nil {
		g.group.Get("/reviews", g.handleListReviews,
			okapi.DocSummary("List review items, pending by default"),
			okapi.DocTags("Reviews"),
			okapi.DocResponse([]domain.ReviewItem{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Post("/reviews/{id}/resolve", g.handleResolveReview,
			okapi.DocSummary("Accept or reject a low-confidence response"),
			okapi.DocTags("Reviews"),
			okapi.DocPathParam("id", "string", "Review item ID (UUID)"),
			okapi.DocRequestBody(ResolveRequest{}),
			okapi.DocResponse(domain.ReviewItem{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.Handler()

	addr := g.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	g.server = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", addr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Reasoning ---

// ReasonRequest is the JSON body for POST /v1/reasoning.
type ReasonRequest struct {
	PredictionID    string            `json:"prediction_id"`
	PredictedValues map[string]any    `json:"predicted_values"`
	ImpactScore     float64           `json:"impact_score"`
	Evidence        []domain.Evidence `json:"evidence,omitempty"`
	Async           bool              `json:"async,omitempty"`
}

// JobResponse is returned with HTTP 202 when a run is queued.
type JobResponse struct {
	Job       *domain.Job `json:"job"`
	StatusURL string      `json:"status_url"`
}

func (g *Gateway) handleReason(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.PredictionID == "" {
		return c.AbortBadRequest("prediction_id is required")
	}
	if req.ImpactScore < 0 || req.ImpactScore > 1 {
		return c.AbortBadRequest("impact_score must be between 0 and 1")
	}

	pred := domain.Prediction{
		TenantID:        tenantID,
		PredictionID:    req.PredictionID,
		PredictedValues: req.PredictedValues,
		ImpactScore:     req.ImpactScore,
		Evidence:        req.Evidence,
	}

	if req.Async {
		job, err := g.svc.Reasoning.Submit(c.Context(), tenantID, pred)
		if err != nil {
			return g.apiError(c, err)
		}
		return c.JSON(http.StatusAccepted, JobResponse{
			Job:       job,
			StatusURL: "/v1/jobs/" + job.ID.String(),
		})
	}

	res, err := g.svc.Pipeline.Process(c.Context(), tenantID, pred)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(res)
}

func (g *Gateway) handleGetResponse(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid response ID")
	}
	resp, err := g.svc.Reasoning.Get(c.Context(), c.GetString("tenantID"), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleGetJob(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	job, err := g.svc.Jobs.Get(c.Context(), c.GetString("tenantID"), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(job)
}

// --- Actions ---

// ActionResponse is an execution with its open approval ticket, if any.
type ActionResponse struct {
	*domain.ActionExecution
	Ticket *domain.ApprovalTicket `json:"ticket,omitempty"`
}

// RejectRequest is the JSON body for POST /v1/actions/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (g *Gateway) handleListActions(c *okapi.Context) error {
	states, err := parseStates(c.Query("state"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	execs, err := g.svc.Actions.List(c.Context(), storage.ExecutionFilter{
		TenantID: c.GetString("tenantID"),
		States:   states,
		Limit:    limit,
	})
	if err != nil {
		return g.apiError(c, err)
	}
	if execs == nil {
		execs = []*domain.ActionExecution{}
	}
	return c.OK(execs)
}

func (g *Gateway) handleGetAction(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	exec, err := g.svc.Actions.Get(c.Context(), c.GetString("tenantID"), id)
	if err != nil {
		return g.apiError(c, err)
	}

	resp := ActionResponse{ActionExecution: exec}
	if exec.State == domain.StateAwaitingApproval {
		if ticket, err := g.svc.Actions.Ticket(c.Context(), exec.ID); err == nil {
			resp.Ticket = ticket
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	userID := c.GetString("userID")

	g.logger.Info("http approval",
		slog.String("tenant_id", c.GetString("tenantID")),
		slog.String("user_id", userID),
		slog.String("execution_id", id.String()),
	)

	exec, err := g.svc.Actions.Approve(c.Context(), c.GetString("tenantID"), id, userID)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(exec)
}

func (g *Gateway) handleReject(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return c.AbortBadRequest("reason is required")
	}
	userID := c.GetString("userID")

	g.logger.Info("http rejection",
		slog.String("tenant_id", c.GetString("tenantID")),
		slog.String("user_id", userID),
		slog.String("execution_id", id.String()),
	)

	exec, err := g.svc.Actions.Reject(c.Context(), c.GetString("tenantID"), id, userID, req.Reason)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(exec)
}

func (g *Gateway) handleRollback(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	userID := c.GetString("userID")

	g.logger.Info("http rollback",
		slog.String("tenant_id", c.GetString("tenantID")),
		slog.String("user_id", userID),
		slog.String("execution_id", id.String()),
	)

	exec, err := g.svc.Actions.Rollback(c.Context(), c.GetString("tenantID"), id, userID)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(exec)
}

// --- Operations ---

// BudgetResponse is the JSON response for GET /v1/budget.
type BudgetResponse struct {
	domain.Budget
	RemainingUSD float64 `json:"remaining_usd"`
}

func (g *Gateway) handleBudget(c *okapi.Context) error {
	b, err := g.svc.Budget.Status(c.Context(), c.GetString("tenantID"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(BudgetResponse{Budget: b, RemainingUSD: b.Remaining()})
}

func (g *Gateway) handleCircuits(c *okapi.Context) error {
	states := g.svc.Circuits.States(c.GetString("tenantID"))
	if states == nil {
		states = []domain.CircuitState{}
	}
	return c.OK(states)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	stats, err := g.svc.Stats.Stats(c.Context(), c.GetString("tenantID"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(stats)
}

// --- Reviews ---

// ResolveRequest is the JSON body for POST /v1/reviews/{id}/resolve.
type ResolveRequest struct {
	Accept *bool  `json:"accept"`
	Note   string `json:"note,omitempty"`
}

func (g *Gateway) handleListReviews(c *okapi.Context) error {
	status := domain.ReviewPending
	if s := c.Query("status"); s != "" {
		status = domain.ReviewStatus(s)
		switch status {
		case domain.ReviewPending, domain.ReviewAccepted, domain.ReviewRejected:
		default:
			return c.AbortBadRequest("unknown review status " + s)
		}
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	items, err := g.svc.Reviews.List(c.Context(), c.GetString("tenantID"), status, limit)
	if err != nil {
		return g.apiError(c, err)
	}
	if items == nil {
		items = []*domain.ReviewItem{}
	}
	return c.OK(items)
}

func (g *Gateway) handleResolveReview(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid review ID")
	}
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Accept == nil {
		return c.AbortBadRequest("accept is required")
	}

	item, err := g.svc.Reviews.Resolve(c.Context(), c.GetString("tenantID"), id, *req.Accept, c.GetString("userID"), req.Note)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(item)
}

// --- Health ---

// HealthResponse is the JSON response for the probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the API key to a principal, applies the principal's
// rate limit and stores the tenant and user on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}

		p, ok := g.lookup(strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(p.TenantID + "/" + p.UserID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}

		c.Set("tenantID", p.TenantID)
		c.Set("userID", p.UserID)
		return next(c)
	}
}

// Principal authenticates a raw request by its bearer token or, for clients
// that cannot set headers such as browsers opening a WebSocket, its token
// query parameter.
func (g *Gateway) Principal(r *http.Request) (config.Principal, bool) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return config.Principal{}, false
	}
	return g.lookup(token)
}

// lookup compares the key against every configured key in constant time.
func (g *Gateway) lookup(apiKey string) (config.Principal, bool) {
	var (
		found config.Principal
		ok    bool
	)
	for key, p := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			found, ok = p, true
		}
	}
	if ok && found.TenantID == "" {
		return config.Principal{}, false
	}
	return found, ok
}

// --- Helpers ---

// apiError maps domain errors to HTTP responses.
func (g *Gateway) apiError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, review.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "not found"})
	case errors.Is(err, actions.ErrValidation):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	case errors.Is(err, engine.ErrApprovalExpired):
		return c.JSON(http.StatusGone, ErrorBody{Error: "approval expired"})
	case errors.Is(err, engine.ErrApprovalRejected):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "action rejected"})
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, review.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	case errors.Is(err, executor.ErrRollbackFailed):
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	case errors.Is(err, budget.ErrBudgetExceeded):
		return c.JSON(http.StatusPaymentRequired, ErrorBody{Error: "budget exceeded"})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, ErrorBody{Error: "request timed out"})
	default:
		g.logger.ErrorContext(c.Context(), "request failed",
			slog.String("tenant_id", c.GetString("tenantID")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("internal error")
	}
}

// parseStates parses a comma-separated list of execution states.
func parseStates(raw string) ([]domain.ExecutionState, error) {
	if raw == "" {
		return nil, nil
	}
	var states []domain.ExecutionState
	for _, s := range strings.Split(raw, ",") {
		state := domain.ExecutionState(strings.TrimSpace(s))
		switch state {
		case domain.StatePending, domain.StateAutoApproved, domain.StateAwaitingApproval,
			domain.StateApproved, domain.StateRejected, domain.StateExecuting,
			domain.StateCompleted, domain.StateFailed, domain.StateRolledBack:
			states = append(states, state)
		default:
			return nil, errors.New("unknown state " + string(state))
		}
	}
	return states, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
