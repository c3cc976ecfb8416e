// Package mcp exposes the operator surface of Veritas as an MCP (Model
// Context Protocol) server over stdio, so assistants can request reasoning,
// inspect pending actions and decide on them. Every call is bound to the
// single principal configured for the server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/engine"
	"github.com/jkaninda/veritas/internal/pipeline"
	"github.com/jkaninda/veritas/internal/storage"
)

const defaultUserID = "mcp"

// Processor runs a prediction end to end. Implemented by pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, tenantID string, pred domain.Prediction) (*pipeline.Result, error)
}

// ActionService lists and decides on executions. Implemented by engine.Engine.
type ActionService interface {
	List(ctx context.Context, f storage.ExecutionFilter) ([]*domain.ActionExecution, error)
	Approve(ctx context.Context, tenantID string, id uuid.UUID, approver string) (*domain.ActionExecution, error)
	Reject(ctx context.Context, tenantID string, id uuid.UUID, actor, reason string) (*domain.ActionExecution, error)
}

// BudgetReader reports the spend of a tenant. Implemented by budget.Controller.
type BudgetReader interface {
	Status(ctx context.Context, tenantID string) (domain.Budget, error)
}

// Services are the backends the tools call.
type Services struct {
	Pipeline Processor
	Actions  ActionService
	Budget   BudgetReader
}

// Server is the MCP tool server.
type Server struct {
	svc      Services
	tenantID string
	userID   string
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// New creates an MCP server bound to the configured principal.
func New(cfg config.MCPGatewayConfig, svc Services, version string, logger *slog.Logger) (*Server, error) {
	if cfg.TenantID == "" {
		return nil, errors.New("mcp gateway requires a tenant_id")
	}
	if svc.Pipeline == nil || svc.Actions == nil || svc.Budget == nil {
		return nil, errors.New("mcp gateway requires pipeline, action and budget services")
	}
	userID := cfg.UserID
	if userID == "" {
		userID = defaultUserID
	}

	s := &Server{
		svc:      svc,
		tenantID: cfg.TenantID,
		userID:   userID,
		logger:   logger,
		mcp:      server.NewMCPServer("veritas", version, server.WithToolCapabilities(false), server.WithRecovery()),
	}
	s.register()
	return s, nil
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over the given streams until ctx is canceled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server starting",
		slog.String("tenant_id", s.tenantID),
		slog.String("user_id", s.userID),
	)
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("reason",
		mcp.WithDescription("Explain a prediction and submit the actions it proposes. Returns the reasoning response and any action executions."),
		mcp.WithString("prediction_id", mcp.Required(), mcp.Description("Identifier of the prediction")),
		mcp.WithNumber("impact_score", mcp.Required(), mcp.Description("Impact between 0 and 1; low scores get a templated answer")),
		mcp.WithObject("predicted_values", mcp.Description("The predicted values to explain")),
	), s.handleReason)

	s.mcp.AddTool(mcp.NewTool("list_pending_actions",
		mcp.WithDescription("List action executions awaiting human approval."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions, default 20")),
	), s.handleListPending)

	s.mcp.AddTool(mcp.NewTool("approve_action",
		mcp.WithDescription("Approve an action execution that is awaiting approval."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID (UUID)")),
	), s.handleApprove)

	s.mcp.AddTool(mcp.NewTool("reject_action",
		mcp.WithDescription("Reject an action execution before it runs."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID (UUID)")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the action is rejected")),
	), s.handleReject)

	s.mcp.AddTool(mcp.NewTool("budget_status",
		mcp.WithDescription("Show the reasoning spend of the current period."),
	), s.handleBudget)
}

func (s *Server) handleReason(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	predictionID, err := req.RequireString("prediction_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	impact, err := req.RequireFloat("impact_score")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if impact < 0 || impact > 1 {
		return mcp.NewToolResultError("impact_score must be between 0 and 1"), nil
	}
	values, _ := req.GetArguments()["predicted_values"].(map[string]any)

	res, err := s.svc.Pipeline.Process(ctx, s.tenantID, domain.Prediction{
		TenantID:        s.tenantID,
		PredictionID:    predictionID,
		PredictedValues: values,
		ImpactScore:     impact,
	})
	if err != nil {
		return s.toolError("reason", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleListPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 20))
	if limit <= 0 {
		limit = 20
	}
	execs, err := s.svc.Actions.List(ctx, storage.ExecutionFilter{
		TenantID: s.tenantID,
		States:   []domain.ExecutionState{domain.StateAwaitingApproval},
		Limit:    limit,
	})
	if err != nil {
		return s.toolError("list_pending_actions", err), nil
	}
	if execs == nil {
		execs = []*domain.ActionExecution{}
	}
	return jsonResult(execs)
}

func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := executionID(req)
	if res != nil {
		return res, nil
	}
	s.logger.InfoContext(ctx, "mcp approval",
		slog.String("tenant_id", s.tenantID),
		slog.String("user_id", s.userID),
		slog.String("execution_id", id.String()),
	)
	exec, err := s.svc.Actions.Approve(ctx, s.tenantID, id, s.userID)
	if err != nil {
		return s.toolError("approve_action", err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := executionID(req)
	if res != nil {
		return res, nil
	}
	reason, err := req.RequireString("reason")
	if err != nil || reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	s.logger.InfoContext(ctx, "mcp rejection",
		slog.String("tenant_id", s.tenantID),
		slog.String("user_id", s.userID),
		slog.String("execution_id", id.String()),
	)
	exec, err := s.svc.Actions.Reject(ctx, s.tenantID, id, s.userID, reason)
	if err != nil {
		return s.toolError("reject_action", err), nil
	}
	return jsonResult(exec)
}

// budgetStatus is the budget_status result.
type budgetStatus struct {
	domain.Budget
	RemainingUSD float64 `json:"remaining_usd"`
}

func (s *Server) handleBudget(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, err := s.svc.Budget.Status(ctx, s.tenantID)
	if err != nil {
		return s.toolError("budget_status", err), nil
	}
	return jsonResult(budgetStatus{Budget: b, RemainingUSD: b.Remaining()})
}

func executionID(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString("execution_id")
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError("execution_id must be a UUID")
	}
	return id, nil
}

// toolError reports a failed call to the client. Domain errors are explained;
// anything else is logged and reported generically.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return mcp.NewToolResultError("execution not found")
	case errors.Is(err, engine.ErrApprovalExpired):
		return mcp.NewToolResultError("approval expired; the action was resolved by its expiry policy")
	case errors.Is(err, engine.ErrApprovalRejected):
		return mcp.NewToolResultError("the action was already rejected")
	case errors.Is(err, engine.ErrInvalidTransition):
		return mcp.NewToolResultError(err.Error())
	}
	s.logger.Error("mcp tool failed",
		slog.String("tool", tool),
		slog.String("tenant_id", s.tenantID),
		slog.String("error", err.Error()),
	)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed", tool))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
