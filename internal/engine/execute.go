package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/audit"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/executor"
	"github.com/jkaninda/veritas/internal/storage"
)

// errHalted stops the retry loop when the execution left the executing state.
var errHalted = errors.New("execution halted")

// Execute runs an approved execution to completion. Transient collaborator
// failures are retried with exponential backoff up to the configured number
// of attempts; permanent failures and exhausted retries end in failed.
// Cancelling ctx leaves the execution executing for Recover to resume.
func (e *Engine) Execute(ctx context.Context, tenantID string, id uuid.UUID) error {
	return e.execute(ctx, tenantID, id, false)
}

// Resume continues an interrupted execution with its remaining attempts.
func (e *Engine) Resume(ctx context.Context, tenantID string, id uuid.UUID) error {
	return e.execute(ctx, tenantID, id, true)
}

// Recover re-dispatches executions left executing with no progress for
// longer than the recovery window and returns how many were queued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stuck, err := e.store.List(ctx, storage.ExecutionFilter{
		States: []domain.ExecutionState{domain.StateExecuting},
		Limit:  e.config.sweepBatch(),
	})
	if err != nil {
		return 0, fmt.Errorf("listing executing actions: %w", err)
	}
	cutoff := e.now().Add(-e.config.recoverAfter())
	n := 0
	for _, exec := range stuck {
		if exec.UpdatedAt.After(cutoff) {
			continue
		}
		e.enqueue(ctx, exec, true)
		n++
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "interrupted executions resumed", slog.Int("count", n))
	}
	return n, nil
}

func (e *Engine) execute(ctx context.Context, tenantID string, id uuid.UUID, resume bool) error {
	exec, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if exec.State == domain.StateRejected {
		return ErrApprovalRejected
	}

	if resume {
		if exec.State != domain.StateExecuting {
			return fmt.Errorf("%w: cannot resume a %s execution", ErrInvalidTransition, exec.State)
		}
		e.record(ctx, exec, exec.State, audit.EventResumed, ActorSystem, map[string]any{"attempts": exec.Attempts})
	} else {
		from := []domain.ExecutionState{domain.StateApproved, domain.StateAutoApproved}
		exec, err = e.transition(ctx, exec, from, domain.StateExecuting,
			storage.TransitionOptions{MarkExecuted: true},
			audit.EventExecuting, ActorSystem, nil)
		if err != nil {
			return err
		}
	}

	done := context.WithoutCancel(ctx)
	remaining := e.config.maxAttempts() - exec.Attempts
	if remaining <= 0 {
		return e.fail(done, exec, fmt.Errorf("all %d attempts used", exec.Attempts))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.config.initialInterval()
	eb.MaxInterval = e.config.maxInterval()

	attempt := func() (struct{}, error) {
		current, err := e.store.Get(ctx, tenantID, id)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if current.State != domain.StateExecuting {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: now %s", errHalted, current.State))
		}
		current.Attempts++

		err = e.runner.Apply(ctx, current)
		if err == nil {
			return struct{}{}, nil
		}
		msg := err.Error()
		if _, terr := e.store.Transition(context.WithoutCancel(ctx), id,
			[]domain.ExecutionState{domain.StateExecuting}, domain.StateExecuting,
			storage.TransitionOptions{Now: e.now(), IncrementAttempt: true, LastError: &msg}); terr != nil {
			e.logger.WarnContext(ctx, "recording failed attempt",
				slog.String("execution_id", id.String()),
				slog.String("error", terr.Error()),
			)
		}
		e.record(ctx, current, current.State, audit.EventAttemptFailed, ActorSystem, map[string]any{
			"attempt":   current.Attempts,
			"error":     msg,
			"transient": executor.IsTransient(err),
		})
		if !executor.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, attempt,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.InfoContext(ctx, "retrying action execution",
				slog.String("execution_id", id.String()),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		}),
	)

	if errors.Is(err, errHalted) {
		e.logger.WarnContext(ctx, "execution halted", slog.String("execution_id", id.String()), slog.String("error", err.Error()))
		return err
	}
	if err != nil && ctx.Err() != nil {
		e.logger.WarnContext(done, "execution interrupted",
			slog.String("execution_id", id.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("execution %s interrupted: %w", id, ctx.Err())
	}
	if err != nil {
		return e.fail(done, exec, err)
	}

	_, err = e.transition(done, exec, []domain.ExecutionState{domain.StateExecuting}, domain.StateCompleted,
		storage.TransitionOptions{MarkCompleted: true, LastError: new(string)},
		audit.EventCompleted, ActorSystem, nil)
	return err
}

// fail moves an executing execution to failed and returns cause.
func (e *Engine) fail(ctx context.Context, exec *domain.ActionExecution, cause error) error {
	msg := cause.Error()
	_, err := e.transition(ctx, exec, []domain.ExecutionState{domain.StateExecuting}, domain.StateFailed,
		storage.TransitionOptions{LastError: &msg},
		audit.EventFailed, ActorSystem, map[string]any{"error": msg, "severity": audit.SeverityError})
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
