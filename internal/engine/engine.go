// Package engine is the safe action state machine. Every proposal becomes a
// persisted execution that moves through
//
//	pending -> auto_approved | awaiting_approval | rejected
//	awaiting_approval -> approved | rejected (expiry)
//	approved | auto_approved -> executing -> completed | failed
//	completed -> rolled_back
//
// Each transition is a compare-and-set on the store, checked against
// domain.CanTransition, followed by an audit entry.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/approval"
	"github.com/jkaninda/veritas/internal/audit"
	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/events"
	"github.com/jkaninda/veritas/internal/executor"
	"github.com/jkaninda/veritas/internal/ratelimit"
	"github.com/jkaninda/veritas/internal/storage"
	"github.com/jkaninda/veritas/internal/worker"
)

var (
	// ErrApprovalRejected is returned when acting on a rejected execution.
	ErrApprovalRejected = errors.New("action rejected")
	// ErrApprovalExpired is returned when approving after the ticket expired.
	ErrApprovalExpired = errors.New("approval expired")
	// ErrInvalidTransition is returned when the execution is not in a state the operation accepts.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Actors recorded on system-driven transitions.
const (
	ActorSystem = "system"
	ActorExpiry = "system:expiry"
)

// PolicyFunc resolves the effective policy of a tenant.
type PolicyFunc func(tenantID string) config.TenantPolicy

// Runner applies and reverts actions. Implemented by executor.Executor.
type Runner interface {
	Apply(ctx context.Context, exec *domain.ActionExecution) error
	Revert(ctx context.Context, exec *domain.ActionExecution) error
}

// Enqueuer submits background jobs. Implemented by worker.Pool.
type Enqueuer interface {
	Submit(ctx context.Context, tenantID, kind string, payload any) (*domain.Job, error)
}

// Publisher receives transition events. Implemented by events.Bus.
type Publisher interface {
	Publish(e events.Event)
}

// Transition is reported to observers after every state change.
type Transition func(tenantID, actionType string, from, to domain.ExecutionState)

// Config tunes execution retries.
type Config struct {
	MaxAttempts     int           // Default: 3
	InitialInterval time.Duration // Default: 500ms
	MaxInterval     time.Duration // Default: 10s
	SweepBatch      int           // Expired tickets per sweep. Default: 100
	RecoverAfter    time.Duration // Idle executing records older than this are resumed. Default: 10m
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c Config) initialInterval() time.Duration {
	if c.InitialInterval > 0 {
		return c.InitialInterval
	}
	return 500 * time.Millisecond
}

func (c Config) maxInterval() time.Duration {
	if c.MaxInterval > 0 {
		return c.MaxInterval
	}
	return 10 * time.Second
}

func (c Config) recoverAfter() time.Duration {
	if c.RecoverAfter > 0 {
		return c.RecoverAfter
	}
	return 10 * time.Minute
}

func (c Config) sweepBatch() int {
	if c.SweepBatch > 0 {
		return c.SweepBatch
	}
	return 100
}

// Engine owns every action execution transition.
type Engine struct {
	store    storage.ExecutionStore
	audit    audit.Log
	windows  ratelimit.Windows
	policies PolicyFunc
	runner   Runner
	queue    Enqueuer
	bus      Publisher
	observe  Transition
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an engine. Call WithQueue to dispatch approved executions to
// workers; without a queue they stay approved until Execute is called.
func New(
	store storage.ExecutionStore,
	log audit.Log,
	windows ratelimit.Windows,
	policies PolicyFunc,
	runner Runner,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:    store,
		audit:    log,
		windows:  windows,
		policies: policies,
		runner:   runner,
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithQueue dispatches approved executions as action.execute jobs.
func (e *Engine) WithQueue(q Enqueuer) *Engine {
	e.queue = q
	return e
}

// WithEvents publishes every transition to bus.
func (e *Engine) WithEvents(bus Publisher) *Engine {
	e.bus = bus
	return e
}

// WithObserver reports every transition to fn.
func (e *Engine) WithObserver(fn Transition) *Engine {
	e.observe = fn
	return e
}

// Get returns an execution of tenantID.
func (e *Engine) Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ActionExecution, error) {
	return e.store.Get(ctx, tenantID, id)
}

// List returns executions matching f.
func (e *Engine) List(ctx context.Context, f storage.ExecutionFilter) ([]*domain.ActionExecution, error) {
	return e.store.List(ctx, f)
}

// Ticket returns the open approval ticket of an execution.
func (e *Engine) Ticket(ctx context.Context, executionID uuid.UUID) (*domain.ApprovalTicket, error) {
	return e.store.Ticket(ctx, executionID)
}

// Submit validates a proposal, persists it as a pending execution and routes
// it through the approval gate.
func (e *Engine) Submit(ctx context.Context, tenantID string, p domain.ActionProposal) (*domain.ActionExecution, error) {
	spec, ok := actions.Lookup(p.ActionType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown action type %q", actions.ErrValidation, p.ActionType)
	}
	if err := spec.Validate(p.Parameters); err != nil {
		return nil, err
	}

	now := e.now()
	exec := &domain.ActionExecution{
		ID:            uuid.New(),
		TenantID:      tenantID,
		ResponseID:    p.ResponseID,
		ActionType:    p.ActionType,
		Parameters:    p.Parameters,
		State:         domain.StatePending,
		Confidence:    p.Confidence,
		ImpactLevel:   spec.Capabilities.Impact.String(),
		ReasoningText: p.ReasoningText,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	e.record(ctx, exec, "", audit.EventCreated, ActorSystem, map[string]any{
		"confidence": p.Confidence,
		"impact":     exec.ImpactLevel,
	})

	policy := e.policies(tenantID)
	gate := approval.NewGate(policy)
	decision := gate.Decide(spec, p.Confidence)
	if decision.State == domain.StateAutoApproved {
		decision = e.takeSlot(ctx, tenantID, policy, decision, now)
	}

	details := map[string]any{"reason": decision.Reason}
	switch decision.State {
	case domain.StateRejected:
		return e.transition(ctx, exec, []domain.ExecutionState{domain.StatePending}, domain.StateRejected,
			storage.TransitionOptions{DecidedBy: ActorSystem, MarkDecided: true},
			audit.EventPolicyRejected, ActorSystem, details)

	case domain.StateAwaitingApproval:
		ticket := gate.Ticket(exec, spec.Capabilities.Impact, now)
		details["priority"] = ticket.Priority
		details["expires_at"] = ticket.ExpiresAt
		return e.transition(ctx, exec, []domain.ExecutionState{domain.StatePending}, domain.StateAwaitingApproval,
			storage.TransitionOptions{OpenTicket: ticket},
			audit.EventAwaiting, ActorSystem, details)
	}

	updated, err := e.transition(ctx, exec, []domain.ExecutionState{domain.StatePending}, domain.StateAutoApproved,
		storage.TransitionOptions{DecidedBy: ActorSystem, MarkDecided: true},
		audit.EventAutoApproved, ActorSystem, details)
	if err != nil {
		e.releaseSlot(ctx, tenantID, now)
		return nil, err
	}
	e.dispatch(ctx, updated)
	return updated, nil
}

// takeSlot consumes one hourly and daily action slot at now. A full window or
// an unavailable counter store downgrades the decision to awaiting approval.
func (e *Engine) takeSlot(ctx context.Context, tenantID string, policy config.TenantPolicy, d approval.Decision, now time.Time) approval.Decision {
	ok, err := e.windows.Take(ctx, tenantID, now, policy.MaxActionsPerHour, policy.MaxActionsPerDay)
	if err != nil {
		e.logger.WarnContext(ctx, "action rate window unavailable",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return approval.Decision{State: domain.StateAwaitingApproval, Reason: approval.ReasonRateLimited}
	}
	if !ok {
		return approval.Decision{State: domain.StateAwaitingApproval, Reason: approval.ReasonRateLimited}
	}
	return d
}

// releaseSlot returns a slot taken at now whose auto-approval did not commit.
func (e *Engine) releaseSlot(ctx context.Context, tenantID string, now time.Time) {
	if err := e.windows.Release(context.WithoutCancel(ctx), tenantID, now); err != nil {
		e.logger.ErrorContext(ctx, "releasing action rate slot",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

// Approve records a human approval and dispatches the execution.
func (e *Engine) Approve(ctx context.Context, tenantID string, id uuid.UUID, approver string) (*domain.ActionExecution, error) {
	exec, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := stateError(exec); err != nil {
		return exec, err
	}

	if ticket, err := e.store.Ticket(ctx, id); err == nil && !ticket.ExpiresAt.After(e.now()) {
		if _, err := e.expire(ctx, exec); err != nil {
			return nil, err
		}
		if current, err := e.store.Get(ctx, tenantID, id); err == nil {
			exec = current
		}
		return exec, ErrApprovalExpired
	}

	exec, err = e.transition(ctx, exec, []domain.ExecutionState{domain.StateAwaitingApproval}, domain.StateApproved,
		storage.TransitionOptions{CloseTicket: true, DecidedBy: approver, MarkDecided: true},
		audit.EventApproved, approver, nil)
	if err != nil {
		return exec, err
	}
	e.dispatch(ctx, exec)
	return exec, nil
}

// stateError explains why an execution cannot be approved.
func stateError(exec *domain.ActionExecution) error {
	switch {
	case exec.State == domain.StateAwaitingApproval:
		return nil
	case exec.State == domain.StateRejected && exec.DecidedBy == ActorExpiry:
		return ErrApprovalExpired
	case exec.State == domain.StateRejected:
		return ErrApprovalRejected
	}
	return fmt.Errorf("%w: cannot approve a %s execution", ErrInvalidTransition, exec.State)
}

// Reject declines an execution awaiting approval. Rejecting an already
// rejected execution is a no-op and records nothing; approved executions
// can no longer be rejected.
func (e *Engine) Reject(ctx context.Context, tenantID string, id uuid.UUID, actor, reason string) (*domain.ActionExecution, error) {
	exec, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if exec.State == domain.StateRejected {
		return exec, nil
	}
	if exec.State != domain.StateAwaitingApproval {
		return exec, fmt.Errorf("%w: cannot reject a %s execution", ErrInvalidTransition, exec.State)
	}

	updated, err := e.transition(ctx, exec, []domain.ExecutionState{domain.StateAwaitingApproval}, domain.StateRejected,
		storage.TransitionOptions{CloseTicket: true, DecidedBy: actor, MarkDecided: true},
		audit.EventRejected, actor, map[string]any{"reason": reason})
	if err != nil && updated != nil && updated.State == domain.StateRejected {
		return updated, nil
	}
	return updated, err
}

// ExpireTickets resolves every approval ticket past its expiry and returns
// how many executions changed state.
func (e *Engine) ExpireTickets(ctx context.Context) (int, error) {
	tickets, err := e.store.ExpiredTickets(ctx, e.now(), e.config.sweepBatch())
	if err != nil {
		return 0, fmt.Errorf("listing expired tickets: %w", err)
	}

	n := 0
	for _, t := range tickets {
		exec, err := e.store.Get(ctx, t.TenantID, t.ExecutionID)
		if err != nil {
			e.logger.WarnContext(ctx, "expired ticket without execution",
				slog.String("execution_id", t.ExecutionID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		changed, err := e.expire(ctx, exec)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "approval tickets expired", slog.Int("count", n))
	}
	return n, nil
}

func (e *Engine) expire(ctx context.Context, exec *domain.ActionExecution) (bool, error) {
	policy := e.policies(exec.TenantID)
	impact, _ := actions.ParseImpact(exec.ImpactLevel)
	to := approval.NewGate(policy).OnExpiry(impact)

	now := e.now()
	details := map[string]any{"outcome": string(to)}
	slot := false
	if to == domain.StateAutoApproved {
		d := e.takeSlot(ctx, exec.TenantID, policy, approval.Decision{State: to}, now)
		slot = d.State == domain.StateAutoApproved
		if d.State != domain.StateAutoApproved {
			to = domain.StateRejected
			details["outcome"] = string(to)
			details["reason"] = d.Reason
		}
	}

	updated, err := e.transition(ctx, exec, []domain.ExecutionState{domain.StateAwaitingApproval}, to,
		storage.TransitionOptions{CloseTicket: true, DecidedBy: ActorExpiry, MarkDecided: true},
		audit.EventExpired, ActorExpiry, details)
	if err != nil && slot {
		e.releaseSlot(ctx, exec.TenantID, now)
	}
	if errors.Is(err, ErrInvalidTransition) {
		// Decided concurrently.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if to == domain.StateAutoApproved {
		e.dispatch(ctx, updated)
	}
	return true, nil
}

// Rollback reverts a completed execution whose kind supports it. The
// execution is claimed as rolled_back before the collaborator is called, so
// concurrent rollbacks revert at most once. A failed revert restores completed.
func (e *Engine) Rollback(ctx context.Context, tenantID string, id uuid.UUID, actor string) (*domain.ActionExecution, error) {
	exec, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if exec.State != domain.StateCompleted {
		return exec, fmt.Errorf("%w: cannot roll back a %s execution", ErrInvalidTransition, exec.State)
	}
	spec, ok := actions.Lookup(exec.ActionType)
	if !ok || !spec.Capabilities.RollbackSupported {
		return exec, fmt.Errorf("%w: %s does not support rollback", ErrInvalidTransition, exec.ActionType)
	}

	claimed, err := e.cas(ctx, exec.ID, []domain.ExecutionState{domain.StateCompleted}, domain.StateRolledBack,
		storage.TransitionOptions{DecidedBy: actor})
	if err != nil {
		return claimed, err
	}

	if err := e.runner.Revert(ctx, claimed); err != nil {
		restored, rerr := e.cas(context.WithoutCancel(ctx), exec.ID, []domain.ExecutionState{domain.StateRolledBack}, domain.StateCompleted,
			storage.TransitionOptions{DecidedBy: exec.DecidedBy})
		if rerr != nil {
			e.logger.ErrorContext(ctx, "restoring execution after failed rollback",
				slog.String("execution_id", id.String()),
				slog.String("error", rerr.Error()),
			)
		} else {
			exec = restored
		}
		e.record(ctx, exec, domain.StateCompleted, audit.EventRollbackFailed, actor, map[string]any{
			"error":    err.Error(),
			"severity": audit.SeverityError,
		})
		return exec, fmt.Errorf("%w: %w", executor.ErrRollbackFailed, err)
	}

	e.record(ctx, claimed, domain.StateCompleted, audit.EventRolledBack, actor, nil)
	return claimed, nil
}

// ExecutePayload is the body of an action.execute job.
type ExecutePayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Resume      bool      `json:"resume,omitempty"`
}

// HandleJob is the worker handler of action.execute jobs.
func (e *Engine) HandleJob(ctx context.Context, msg worker.Message) (string, error) {
	var p ExecutePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return "", fmt.Errorf("decoding execute payload: %w", err)
	}
	if err := e.execute(ctx, msg.TenantID, p.ExecutionID, p.Resume); err != nil {
		return p.ExecutionID.String(), err
	}
	return p.ExecutionID.String(), nil
}

func (e *Engine) dispatch(ctx context.Context, exec *domain.ActionExecution) {
	e.enqueue(ctx, exec, false)
}

func (e *Engine) enqueue(ctx context.Context, exec *domain.ActionExecution, resume bool) {
	if e.queue == nil {
		return
	}
	payload := ExecutePayload{ExecutionID: exec.ID, Resume: resume}
	_, err := e.queue.Submit(context.WithoutCancel(ctx), exec.TenantID, worker.KindActionExecute, payload)
	if err != nil {
		e.logger.ErrorContext(ctx, "dispatching execution",
			slog.String("tenant_id", exec.TenantID),
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// transition applies a compare-and-set and audits it. A state mismatch
// returns the current record wrapped in ErrInvalidTransition.
func (e *Engine) transition(
	ctx context.Context,
	exec *domain.ActionExecution,
	from []domain.ExecutionState,
	to domain.ExecutionState,
	opts storage.TransitionOptions,
	event, actor string,
	details map[string]any,
) (*domain.ActionExecution, error) {
	updated, err := e.cas(ctx, exec.ID, from, to, opts)
	if err != nil {
		return updated, err
	}
	e.record(ctx, updated, exec.State, event, actor, details)
	return updated, nil
}

// cas moves an execution along an edge of the state machine without auditing.
func (e *Engine) cas(
	ctx context.Context,
	id uuid.UUID,
	from []domain.ExecutionState,
	to domain.ExecutionState,
	opts storage.TransitionOptions,
) (*domain.ActionExecution, error) {
	for _, f := range from {
		if !domain.CanTransition(f, to) {
			return nil, fmt.Errorf("%w: no edge from %s to %s", ErrInvalidTransition, f, to)
		}
	}
	opts.Now = e.now()
	updated, err := e.store.Transition(ctx, id, from, to, opts)
	if errors.Is(err, storage.ErrConflict) {
		return updated, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, fmt.Errorf("transitioning execution %s to %s: %w", id, to, err)
	}
	return updated, nil
}

// record appends the audit entry of a transition and notifies listeners.
// Audit failures are logged; the transition itself is already committed.
func (e *Engine) record(ctx context.Context, exec *domain.ActionExecution, before domain.ExecutionState, event, actor string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	id := exec.ID
	entry := &domain.AuditEntry{
		ID:          uuid.New(),
		TenantID:    exec.TenantID,
		ExecutionID: &id,
		EventType:   event,
		Actor:       actor,
		BeforeState: string(before),
		AfterState:  string(exec.State),
		Details:     details,
		Timestamp:   e.now(),
	}
	if err := e.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.ErrorContext(ctx, "audit append failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}

	if before == exec.State {
		return
	}
	if e.observe != nil {
		e.observe(exec.TenantID, exec.ActionType, before, exec.State)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.ExecutionTransition,
			TenantID:    exec.TenantID,
			ExecutionID: &id,
			ActionType:  exec.ActionType,
			From:        before,
			To:          exec.State,
			Timestamp:   entry.Timestamp,
		})
	}
}
