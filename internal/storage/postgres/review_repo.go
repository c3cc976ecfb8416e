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

// ReviewRepository implements storage.ReviewStore.
type ReviewRepository struct {
	db *gorm.DB
}

// NewReviewRepository creates a ReviewRepository.
func NewReviewRepository(db *gorm.DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

func (r *ReviewRepository) Create(ctx context.Context, item *domain.ReviewItem) error {
	model := toReviewModel(item)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating review item: %w", err)
	}
	return nil
}

func (r *ReviewRepository) List(ctx context.Context, tenantID string, status domain.ReviewStatus, limit int) ([]*domain.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Scopes(TenantScope(tenantID)).Order("created_at ASC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var models []ReviewItemModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing review items: %w", err)
	}
	out := make([]*domain.ReviewItem, len(models))
	for i := range models {
		out[i] = toReviewDomain(&models[i])
	}
	return out, nil
}

func (r *ReviewRepository) Resolve(ctx context.Context, tenantID string, id uuid.UUID, status domain.ReviewStatus, reviewer, note string, now time.Time) (*domain.ReviewItem, error) {
	var model ReviewItemModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReviewItemModel{}).
			Scopes(TenantScope(tenantID)).
			Where("id = ? AND status = ?", id, string(domain.ReviewPending)).
			Updates(map[string]any{
				"status":      string(status),
				"reviewed_by": reviewer,
				"note":        note,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.Scopes(TenantScope(tenantID)).Where("id = ?", id).First(&model).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			return storage.ErrConflict
		}
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrConflict):
		return toReviewDomain(&model), storage.ErrConflict
	case errors.Is(err, storage.ErrNotFound):
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("resolving review item: %w", err)
	}
	return toReviewDomain(&model), nil
}
