// Package pipeline connects reasoning to action execution: a prediction is
// explained, the explanation's action proposals are parsed, and each proposal
// is submitted to the action engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/reasoning"
	"github.com/jkaninda/veritas/internal/worker"
)

// Reasoner produces a reasoning response. Implemented by reasoning.Orchestrator.
type Reasoner interface {
	Reason(ctx context.Context, tenantID, predictionID string, prediction domain.Prediction, impactScore float64) (*domain.ReasoningResponse, error)
}

// ActionSubmitter admits a proposal into the state machine. Implemented by engine.Engine.
type ActionSubmitter interface {
	Submit(ctx context.Context, tenantID string, p domain.ActionProposal) (*domain.ActionExecution, error)
}

// Result is the outcome of one prediction.
type Result struct {
	Response   *domain.ReasoningResponse `json:"response"`
	Executions []*domain.ActionExecution `json:"executions,omitempty"`
}

// Pipeline runs predictions end to end.
type Pipeline struct {
	reasoner Reasoner
	parser   *actions.Parser
	engine   ActionSubmitter
	logger   *slog.Logger
}

// New creates a Pipeline. engine may be nil to disable actions.
func New(reasoner Reasoner, parser *actions.Parser, engine ActionSubmitter, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		reasoner: reasoner,
		parser:   parser,
		engine:   engine,
		logger:   logger,
	}
}

// proposesActions reports whether a response type may carry action proposals.
// Templated and degraded responses are generated locally and never do.
func proposesActions(t domain.ResponseType) bool {
	switch t {
	case domain.ResponseFull, domain.ResponseFallback, domain.ResponseCached:
		return true
	}
	return false
}

// Process reasons about p and submits the proposed actions. A rejected or
// invalid proposal is logged and does not fail the prediction.
func (p *Pipeline) Process(ctx context.Context, tenantID string, pred domain.Prediction) (*Result, error) {
	resp, err := p.reasoner.Reason(ctx, tenantID, pred.PredictionID, pred, pred.ImpactScore)
	if err != nil {
		return nil, err
	}
	res := &Result{Response: resp}
	if p.engine == nil || !proposesActions(resp.ResponseType) {
		return res, nil
	}

	for _, proposal := range p.parser.Parse(ctx, resp) {
		exec, err := p.engine.Submit(ctx, tenantID, proposal)
		if err != nil {
			p.logger.WarnContext(ctx, "action proposal not admitted",
				slog.String("tenant_id", tenantID),
				slog.String("response_id", resp.ID.String()),
				slog.String("action_type", proposal.ActionType),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Executions = append(res.Executions, exec)
	}
	return res, nil
}

// HandleJob runs a reasoning.run job and returns the response ID.
func (p *Pipeline) HandleJob(ctx context.Context, msg worker.Message) (string, error) {
	var payload reasoning.RunPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", fmt.Errorf("decoding reasoning job: %w", err)
	}
	res, err := p.Process(ctx, msg.TenantID, payload.Prediction)
	if err != nil {
		return "", err
	}
	return res.Response.ID.String(), nil
}
