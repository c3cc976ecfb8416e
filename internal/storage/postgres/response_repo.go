package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/domain"
)

// ResponseRepository implements storage.ResponseStore.
type ResponseRepository struct {
	db *gorm.DB
}

// NewResponseRepository creates a ResponseRepository.
func NewResponseRepository(db *gorm.DB) *ResponseRepository {
	return &ResponseRepository{db: db}
}

func (r *ResponseRepository) Save(ctx context.Context, resp *domain.ReasoningResponse) error {
	model := toResponseModel(resp)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving response: %w", err)
	}
	return nil
}

func (r *ResponseRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ReasoningResponse, error) {
	var model ResponseModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		return nil, fmt.Errorf("response %s: %w", id, notFound(err))
	}
	return toResponseDomain(&model), nil
}
