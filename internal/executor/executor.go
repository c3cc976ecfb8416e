// Package executor applies approved actions to external systems through
// pluggable collaborators and reverses them on rollback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
)

var (
	// ErrTransient marks a failure worth retrying.
	ErrTransient = errors.New("transient collaborator failure")
	// ErrUnsupported is returned when no collaborator handles an action kind.
	ErrUnsupported = errors.New("action kind not supported")
	// ErrNoRevert is returned when a collaborator cannot undo an action.
	ErrNoRevert = errors.New("revert not supported")
	// ErrRollbackFailed is returned when reverting a completed action fails.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Collaborator performs actions against one external system.
type Collaborator interface {
	Name() string
	Apply(ctx context.Context, exec *domain.ActionExecution) error
	Revert(ctx context.Context, exec *domain.ActionExecution) error
}

// Executor routes executions to the collaborator registered for their kind.
type Executor struct {
	fallback Collaborator
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	byKind map[string]Collaborator
}

// New creates an executor. fallback handles kinds with no dedicated
// collaborator and may be nil. timeout bounds each attempt.
func New(fallback Collaborator, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		fallback: fallback,
		timeout:  timeout,
		logger:   logger,
		byKind:   make(map[string]Collaborator),
	}
}

// Register routes kind to c.
func (e *Executor) Register(kind string, c Collaborator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byKind[kind] = c
}

func (e *Executor) collaborator(kind string) (Collaborator, error) {
	e.mu.RLock()
	c, ok := e.byKind[kind]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}
	if e.fallback != nil {
		return e.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
}

// Apply runs one attempt of exec.
func (e *Executor) Apply(ctx context.Context, exec *domain.ActionExecution) error {
	return e.run(ctx, exec, "apply", Collaborator.Apply)
}

// Revert undoes a completed exec.
func (e *Executor) Revert(ctx context.Context, exec *domain.ActionExecution) error {
	return e.run(ctx, exec, "revert", Collaborator.Revert)
}

func (e *Executor) run(ctx context.Context, exec *domain.ActionExecution, op string, fn func(Collaborator, context.Context, *domain.ActionExecution) error) error {
	c, err := e.collaborator(exec.ActionType)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err = fn(c, ctx, exec)
	attrs := []any{
		slog.String("collaborator", c.Name()),
		slog.String("op", op),
		slog.String("tenant_id", exec.TenantID),
		slog.String("execution_id", exec.ID.String()),
		slog.String("action_type", exec.ActionType),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		e.logger.Warn("collaborator call failed", append(attrs, slog.String("error", err.Error()))...)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTransient) {
			return fmt.Errorf("%w: %s timed out: %w", ErrTransient, op, err)
		}
		return err
	}
	e.logger.Info("collaborator call succeeded", attrs...)
	return nil
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// DryRun logs actions without touching any external system.
type DryRun struct {
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]int
}

// NewDryRun creates the dry-run collaborator.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger, applied: make(map[string]int)}
}

func (d *DryRun) Name() string { return "dryrun" }

func (d *DryRun) Apply(_ context.Context, exec *domain.ActionExecution) error {
	d.record(exec, 1)
	d.logger.Info("dry-run apply",
		slog.String("tenant_id", exec.TenantID),
		slog.String("action_type", exec.ActionType),
		slog.Any("parameters", exec.Parameters),
	)
	return nil
}

func (d *DryRun) Revert(_ context.Context, exec *domain.ActionExecution) error {
	d.record(exec, -1)
	d.logger.Info("dry-run revert",
		slog.String("tenant_id", exec.TenantID),
		slog.String("action_type", exec.ActionType),
	)
	return nil
}

// Applied returns the net number of applied actions of kind.
func (d *DryRun) Applied(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied[kind]
}

func (d *DryRun) record(exec *domain.ActionExecution, delta int) {
	d.mu.Lock()
	d.applied[exec.ActionType] += delta
	d.mu.Unlock()
}
