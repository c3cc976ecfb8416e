package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/veritas/internal/ratelimit"
)

var errWindowFull = errors.New("window full")

// ActionWindowRepository implements ratelimit.Windows with a relational table.
type ActionWindowRepository struct {
	db *gorm.DB
}

// NewActionWindowRepository creates an ActionWindowRepository.
func NewActionWindowRepository(db *gorm.DB) *ActionWindowRepository {
	return &ActionWindowRepository{db: db}
}

func buckets(now time.Time) (string, string) {
	hour, day := ratelimit.WindowKeys(now)
	return "h:" + hour, "d:" + day
}

// Take increments both buckets in one transaction, or neither.
func (r *ActionWindowRepository) Take(ctx context.Context, tenantID string, now time.Time, perHour, perDay int) (bool, error) {
	hour, day := buckets(now)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range []struct {
			bucket string
			limit  int
		}{{hour, perHour}, {day, perDay}} {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&ActionWindowModel{TenantID: tenantID, Bucket: b.bucket}).Error; err != nil {
				return err
			}
			res := tx.Model(&ActionWindowModel{}).
				Where("tenant_id = ? AND bucket = ? AND used < ?", tenantID, b.bucket, b.limit).
				UpdateColumn("used", gorm.Expr("used + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errWindowFull
			}
		}
		return nil
	})
	if errors.Is(err, errWindowFull) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("taking action window: %w", err)
	}
	return true, nil
}

// Release decrements both buckets of at, clamped at zero.
func (r *ActionWindowRepository) Release(ctx context.Context, tenantID string, at time.Time) error {
	hour, day := buckets(at)
	err := r.db.WithContext(ctx).
		Model(&ActionWindowModel{}).
		Where("tenant_id = ? AND bucket IN ? AND used > 0", tenantID, []string{hour, day}).
		UpdateColumn("used", gorm.Expr("used - 1")).Error
	if err != nil {
		return fmt.Errorf("releasing action window: %w", err)
	}
	return nil
}

// Counts returns the current hour and day usage.
func (r *ActionWindowRepository) Counts(ctx context.Context, tenantID string, now time.Time) (int, int, error) {
	hour, day := buckets(now)
	var rows []ActionWindowModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND bucket IN ?", tenantID, []string{hour, day}).
		Find(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("reading action windows: %w", err)
	}
	var h, d int
	for _, row := range rows {
		if row.Bucket == hour {
			h = row.Used
		} else {
			d = row.Used
		}
	}
	return h, d, nil
}

var _ ratelimit.Windows = (*ActionWindowRepository)(nil)
