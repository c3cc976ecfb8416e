package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// JobRepository implements storage.JobStore.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	model := toJobModel(job)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Job, error) {
	q := r.db.WithContext(ctx).Where("id = ?", id)
	if tenantID != "" {
		q = q.Scopes(TenantScope(tenantID))
	}
	var model JobModel
	if err := q.First(&model).Error; err != nil {
		return nil, fmt.Errorf("job %s: %w", id, notFound(err))
	}
	return toJobDomain(&model), nil
}

func (r *JobRepository) Update(ctx context.Context, id uuid.UUID, status domain.JobStatus, resultID, errMsg string) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if resultID != "" {
		updates["result_id"] = resultID
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	res := r.db.WithContext(ctx).Model(&JobModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
