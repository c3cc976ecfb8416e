package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/veritas/internal/budget"
)

// BudgetRepository implements budget.Store with a relational counter table.
// Reserve is a single conditional UPDATE, so the database serializes concurrent callers.
type BudgetRepository struct {
	db *gorm.DB
}

// NewBudgetRepository creates a BudgetRepository.
func NewBudgetRepository(db *gorm.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

func (r *BudgetRepository) ensure(ctx context.Context, key budget.Key) error {
	row := BudgetCounterModel{TenantID: key.TenantID, Period: key.Period}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("creating budget counter: %w", err)
	}
	return nil
}

// Reserve increments the counter iff the result stays within limit.
func (r *BudgetRepository) Reserve(ctx context.Context, key budget.Key, amount, limit int64) (bool, error) {
	if err := r.ensure(ctx, key); err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).
		Model(&BudgetCounterModel{}).
		Where("tenant_id = ? AND period = ? AND reserved_micros + ? <= ?", key.TenantID, key.Period, amount, limit).
		UpdateColumn("reserved_micros", gorm.Expr("reserved_micros + ?", amount))
	if res.Error != nil {
		return false, fmt.Errorf("reserving budget: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release decrements the counter, clamped at zero.
func (r *BudgetRepository) Release(ctx context.Context, key budget.Key, amount int64) error {
	res := r.db.WithContext(ctx).
		Model(&BudgetCounterModel{}).
		Where("tenant_id = ? AND period = ?", key.TenantID, key.Period).
		UpdateColumn("reserved_micros",
			gorm.Expr("CASE WHEN reserved_micros > ? THEN reserved_micros - ? ELSE 0 END", amount, amount))
	if res.Error != nil {
		return fmt.Errorf("releasing budget: %w", res.Error)
	}
	return nil
}

// Reserved returns the current counter value, zero when absent.
func (r *BudgetRepository) Reserved(ctx context.Context, key budget.Key) (int64, error) {
	var row BudgetCounterModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ?", key.TenantID, key.Period).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading budget: %w", err)
	}
	return row.ReservedMicros, nil
}

var _ budget.Store = (*BudgetRepository)(nil)
