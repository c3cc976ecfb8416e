package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore.
// Transitions are a conditional UPDATE on the current state; ticket rows are
// inserted or deleted inside the same transaction.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *domain.ActionExecution) error {
	model := toExecutionModel(exec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ActionExecution, error) {
	q := r.db.WithContext(ctx).Where("id = ?", id)
	if tenantID != "" {
		q = q.Scopes(TenantScope(tenantID))
	}
	var model ExecutionModel
	if err := q.First(&model).Error; err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, notFound(err))
	}
	return toExecutionDomain(&model), nil
}

func (r *ExecutionRepository) List(ctx context.Context, f storage.ExecutionFilter) ([]*domain.ActionExecution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if f.TenantID != "" {
		q = q.Scopes(TenantScope(f.TenantID))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		q = q.Where("state IN ?", states)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]*domain.ActionExecution, len(models))
	for i := range models {
		out[i] = toExecutionDomain(&models[i])
	}
	return out, nil
}

func (r *ExecutionRepository) Transition(ctx context.Context, id uuid.UUID, from []domain.ExecutionState, to domain.ExecutionState, opts storage.TransitionOptions) (*domain.ActionExecution, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	updates := map[string]any{
		"state":      string(to),
		"updated_at": now,
	}
	if opts.DecidedBy != "" {
		updates["decided_by"] = opts.DecidedBy
	}
	if opts.MarkDecided {
		updates["decided_at"] = now
	}
	if opts.MarkExecuted {
		updates["executed_at"] = now
	}
	if opts.MarkCompleted {
		updates["completed_at"] = now
	}
	if opts.IncrementAttempt {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if opts.LastError != nil {
		updates["last_error"] = *opts.LastError
	}

	var result ExecutionModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ExecutionModel{}).
			Where("id = ? AND state IN ?", id, fromStates).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if err := tx.Where("id = ?", id).First(&result).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			return storage.ErrConflict
		}
		if opts.CloseTicket {
			if err := tx.Where("execution_id = ?", id).Delete(&TicketModel{}).Error; err != nil {
				return err
			}
		}
		if opts.OpenTicket != nil {
			ticket := toTicketModel(opts.OpenTicket)
			if err := tx.Create(&ticket).Error; err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrConflict):
		return toExecutionDomain(&result), fmt.Errorf("execution %s is %s: %w", id, result.State, storage.ErrConflict)
	case errors.Is(err, storage.ErrNotFound):
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("transitioning execution %s: %w", id, err)
	}
	return toExecutionDomain(&result), nil
}

func (r *ExecutionRepository) Ticket(ctx context.Context, executionID uuid.UUID) (*domain.ApprovalTicket, error) {
	var model TicketModel
	if err := r.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&model).Error; err != nil {
		return nil, notFound(err)
	}
	return toTicketDomain(&model), nil
}

func (r *ExecutionRepository) ExpiredTickets(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalTicket, error) {
	q := r.db.WithContext(ctx).Where("expires_at < ?", now).Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []TicketModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying expired tickets: %w", err)
	}
	out := make([]*domain.ApprovalTicket, len(models))
	for i := range models {
		out[i] = toTicketDomain(&models[i])
	}
	return out, nil
}
