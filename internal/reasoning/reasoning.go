// Package reasoning turns predictions into validated natural-language
// explanations under the tenant's cost and reliability budgets.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/veritas/internal/budget"
	"github.com/jkaninda/veritas/internal/cache"
	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/events"
	"github.com/jkaninda/veritas/internal/llm"
	"github.com/jkaninda/veritas/internal/review"
	"github.com/jkaninda/veritas/internal/sanitize"
	"github.com/jkaninda/veritas/internal/storage"
	"github.com/jkaninda/veritas/internal/validator"
	"github.com/jkaninda/veritas/internal/worker"
)

// Reasons recorded when a response is degraded.
const (
	DegradedBudget      = "budget_exceeded"
	DegradedBudgetStore = "budget_unavailable"
	DegradedCircuits    = "circuits_open"
	DegradedProviders   = "providers_unavailable"
)

// Completer is the provider chain. Implemented by llm.Client.
type Completer interface {
	Complete(ctx context.Context, tenantID string, req *llm.Request) (*llm.Result, error)
	Models() []string
}

// Enqueuer submits background jobs. Implemented by worker.Pool.
type Enqueuer interface {
	Submit(ctx context.Context, tenantID, kind string, payload any) (*domain.Job, error)
}

// Publisher receives completion events. Implemented by events.Bus.
type Publisher interface {
	Publish(e events.Event)
}

// PolicyFunc resolves the effective policy of a tenant.
type PolicyFunc func(tenantID string) config.TenantPolicy

// Observer is called once per produced response. reason is set on degraded responses.
type Observer func(resp *domain.ReasoningResponse, reason string, d time.Duration)

// Config tunes the orchestrator.
type Config struct {
	TemplateID      string
	TemplateVersion string
	MaxTokens       int // Completion cap. Default: 1024
	OutputEstimate  int // Output tokens assumed when reserving. Default: MaxTokens
}

// Orchestrator runs the reasoning path of one prediction:
// skip, sanitize, cache, reserve, call, validate, persist.
type Orchestrator struct {
	cfg       Config
	policies  PolicyFunc
	sanitizer *sanitize.Sanitizer
	cache     *cache.Cache
	budget    *budget.Controller
	llm       Completer
	pricing   llm.Pricing
	validator *validator.Validator
	reviews   *review.Queue
	responses storage.ResponseStore
	queue     Enqueuer
	events    Publisher
	observe   Observer
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Deps are the collaborators of an Orchestrator. Cache and Reviews are optional.
type Deps struct {
	Policies  PolicyFunc
	Sanitizer *sanitize.Sanitizer
	Cache     *cache.Cache
	Budget    *budget.Controller
	LLM       Completer
	Pricing   llm.Pricing
	Validator *validator.Validator
	Reviews   *review.Queue
	Responses storage.ResponseStore
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.OutputEstimate <= 0 {
		cfg.OutputEstimate = cfg.MaxTokens
	}
	return &Orchestrator{
		cfg:       cfg,
		policies:  deps.Policies,
		sanitizer: deps.Sanitizer,
		cache:     deps.Cache,
		budget:    deps.Budget,
		llm:       deps.LLM,
		pricing:   deps.Pricing,
		validator: deps.Validator,
		reviews:   deps.Reviews,
		responses: deps.Responses,
		tracer:    noop.NewTracerProvider().Tracer(""),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithQueue enables Submit.
func (o *Orchestrator) WithQueue(q Enqueuer) *Orchestrator {
	o.queue = q
	return o
}

// WithEvents publishes a ReasoningCompleted event per persisted response.
func (o *Orchestrator) WithEvents(bus Publisher) *Orchestrator {
	o.events = bus
	return o
}

// WithObserver reports every response to fn.
func (o *Orchestrator) WithObserver(fn Observer) *Orchestrator {
	o.observe = fn
	return o
}

// WithTracer records a span per Reason call.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	if t != nil {
		o.tracer = t
	}
	return o
}

// Get returns a persisted response.
func (o *Orchestrator) Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ReasoningResponse, error) {
	return o.responses.Get(ctx, tenantID, id)
}

// RunPayload is the body of a reasoning.run job.
type RunPayload struct {
	Prediction domain.Prediction `json:"prediction"`
}

// Submit enqueues a reasoning.run job and returns its handle.
func (o *Orchestrator) Submit(ctx context.Context, tenantID string, p domain.Prediction) (*domain.Job, error) {
	if o.queue == nil {
		return nil, errors.New("asynchronous reasoning is not configured")
	}
	p.TenantID = tenantID
	return o.queue.Submit(ctx, tenantID, worker.KindReasoningRun, RunPayload{Prediction: p})
}

// Reason produces exactly one response for a prediction. Upstream failures
// (budget, circuits, providers) yield a degraded response; only caller
// cancellation and persistence failures are returned as errors. The budget
// reservation is settled or released on every path, panics included.
func (o *Orchestrator) Reason(ctx context.Context, tenantID, predictionID string, prediction domain.Prediction, impactScore float64) (*domain.ReasoningResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "reasoning.reason",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("prediction_id", predictionID),
			attribute.Float64("impact_score", impactScore),
		),
	)
	defer span.End()
	start := time.Now()

	prediction.TenantID = tenantID
	prediction.PredictionID = predictionID
	prediction.ImpactScore = impactScore
	policy := o.policies(tenantID)

	clean := o.sanitizer.Prediction(prediction, policy.RedactFields)
	system, prompt := systemPrompt(), userPrompt(clean)
	req := &domain.ReasoningRequest{
		ID:                uuid.New(),
		TenantID:          tenantID,
		PredictionID:      predictionID,
		PromptFingerprint: cache.Fingerprint(tenantID, prompt, o.cfg.TemplateVersion),
		ContextEvidence:   evidence(clean),
		CreatedAt:         o.now(),
	}

	resp, reason, err := o.reason(ctx, req, clean, policy, system, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("response_type", string(resp.ResponseType)),
		attribute.Float64("confidence", resp.ConfidenceScore),
		attribute.Float64("cost_usd", resp.CostUSD),
	)

	if err := o.persist(ctx, resp, policy, reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if o.events != nil {
		id := resp.ID
		o.events.Publish(events.Event{
			Type:       events.ReasoningCompleted,
			TenantID:   tenantID,
			ResponseID: &id,
			Timestamp:  resp.CreatedAt,
		})
	}
	if o.observe != nil {
		o.observe(resp, reason, time.Since(start))
	}
	o.logger.InfoContext(ctx, "reasoning completed",
		slog.String("tenant_id", tenantID),
		slog.String("prediction_id", predictionID),
		slog.String("response_type", string(resp.ResponseType)),
		slog.Float64("confidence", resp.ConfidenceScore),
		slog.Float64("cost_usd", resp.CostUSD),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (o *Orchestrator) reason(
	ctx context.Context,
	req *domain.ReasoningRequest,
	clean domain.Prediction,
	policy config.TenantPolicy,
	system, prompt string,
) (*domain.ReasoningResponse, string, error) {
	if clean.ImpactScore < policy.SkipBelow() {
		resp := o.response(req, domain.ResponseTemplated, templatedText(clean, policy.SkipBelow()))
		resp.ConfidenceScore = 1
		return resp, "", nil
	}

	var query *domain.Embedding
	if o.cache != nil {
		hit := o.cache.Lookup(ctx, req.TenantID, req.PromptFingerprint, prompt, policy.SemanticThreshold)
		if hit.Hit() {
			resp := o.response(req, domain.ResponseCached, hit.Entry.ResponseText)
			resp.ConfidenceScore = hit.Entry.Confidence
			resp.EvidenceSupport = hit.Entry.EvidenceSupport
			resp.ModelUsed = hit.Entry.ModelUsed
			resp.NeedsReview = resp.ConfidenceScore < policy.ReviewThreshold()
			return resp, "", nil
		}
		query = hit.Query
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	estimate := o.pricing.MaxCost(o.llm.Models(), llm.Usage{
		InputTokens:  llm.EstimateTokens(system) + llm.EstimateTokens(prompt),
		OutputTokens: o.cfg.OutputEstimate,
	})
	reservation, err := o.budget.Acquire(ctx, req.TenantID, estimate)
	if err != nil {
		reason := DegradedBudgetStore
		if errors.Is(err, budget.ErrBudgetExceeded) {
			reason = DegradedBudget
		}
		o.logger.WarnContext(ctx, "reasoning degraded",
			slog.String("tenant_id", req.TenantID),
			slog.String("reason", reason),
			slog.Float64("estimate_usd", estimate),
			slog.String("error", err.Error()),
		)
		return o.degraded(req, clean, policy), reason, nil
	}
	defer reservation.Release(ctx)

	result, err := o.llm.Complete(ctx, req.TenantID, llm.UserPrompt(system, prompt, o.cfg.MaxTokens))
	if err != nil {
		reservation.Release(ctx)
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		reason := DegradedProviders
		var exhausted *llm.ExhaustedError
		if errors.As(err, &exhausted) && exhausted.AllCircuitsOpen {
			reason = DegradedCircuits
		}
		o.logger.WarnContext(ctx, "reasoning degraded",
			slog.String("tenant_id", req.TenantID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return o.degraded(req, clean, policy), reason, nil
	}

	cost := o.pricing.Cost(result.Model, result.Usage)
	reservation.Settle(ctx, cost)

	v := o.validator.Validate(ctx, result.Text, req.ContextEvidence, result.StopReason == llm.StopMaxTokens)
	if unsupported := v.Unsupported(); len(unsupported) > 0 {
		o.logger.InfoContext(ctx, "unsupported claims",
			slog.String("tenant_id", req.TenantID),
			slog.Int("count", len(unsupported)),
			slog.Any("claims", unsupported),
		)
	}

	kind := domain.ResponseFull
	if result.Fallback {
		kind = domain.ResponseFallback
	}
	resp := o.response(req, kind, result.Text)
	resp.ConfidenceScore = v.Confidence
	resp.EvidenceSupport = v.Claims
	resp.ModelUsed = result.Model
	resp.CostUSD = cost
	resp.NeedsReview = v.Confidence < policy.ReviewThreshold()

	if o.cache != nil {
		entry := &domain.CacheEntry{
			TenantID:          req.TenantID,
			PromptFingerprint: req.PromptFingerprint,
			ResponseText:      resp.Text,
			ModelUsed:         resp.ModelUsed,
			Confidence:        resp.ConfidenceScore,
			EvidenceSupport:   resp.EvidenceSupport,
			TemplateID:        o.cfg.TemplateID,
			TemplateVersion:   o.cfg.TemplateVersion,
			CreatedAt:         resp.CreatedAt,
		}
		if err := o.cache.Store(ctx, entry, prompt, query); err != nil {
			o.logger.WarnContext(ctx, "cache write failed",
				slog.String("tenant_id", req.TenantID),
				slog.String("error", err.Error()),
			)
		}
	}
	return resp, "", nil
}

func (o *Orchestrator) response(req *domain.ReasoningRequest, kind domain.ResponseType, text string) *domain.ReasoningResponse {
	return &domain.ReasoningResponse{
		ID:           uuid.New(),
		RequestID:    req.ID,
		TenantID:     req.TenantID,
		PredictionID: req.PredictionID,
		Text:         text,
		ResponseType: kind,
		CreatedAt:    o.now(),
	}
}

// degraded builds the locally generated fallback with zero confidence.
func (o *Orchestrator) degraded(req *domain.ReasoningRequest, clean domain.Prediction, policy config.TenantPolicy) *domain.ReasoningResponse {
	resp := o.response(req, domain.ResponseDegraded, degradedText(clean))
	resp.ConfidenceScore = 0
	resp.NeedsReview = resp.ConfidenceScore < policy.ReviewThreshold()
	return resp
}

// persist saves the response and queues it for human review when needed.
// degradedReason is empty unless the response is degraded.
func (o *Orchestrator) persist(ctx context.Context, resp *domain.ReasoningResponse, policy config.TenantPolicy, degradedReason string) error {
	if err := o.responses.Save(ctx, resp); err != nil {
		return fmt.Errorf("saving reasoning response: %w", err)
	}
	if !resp.NeedsReview || o.reviews == nil {
		return nil
	}
	reason := fmt.Sprintf("confidence %.2f below review threshold %.2f", resp.ConfidenceScore, policy.ReviewThreshold())
	if resp.ResponseType == domain.ResponseDegraded {
		reason = fmt.Sprintf("degraded (%s): no explanation produced", degradedReason)
	}
	if _, err := o.reviews.Enqueue(ctx, resp, reason); err != nil {
		return fmt.Errorf("queueing response for review: %w", err)
	}
	return nil
}
