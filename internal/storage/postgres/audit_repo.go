package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// AuditRepository implements storage.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry. This is the only write method.
func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	model := toAuditModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// List returns audit entries newest first. Limit defaults to 100.
func (r *AuditRepository) List(ctx context.Context, f storage.AuditFilter) ([]*domain.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Order("occurred_at DESC").Limit(limit)
	if f.TenantID != "" {
		q = q.Scopes(TenantScope(f.TenantID))
	}
	if f.ExecutionID != nil {
		q = q.Where("execution_id = ?", *f.ExecutionID)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}

	var models []AuditEntryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	out := make([]*domain.AuditEntry, len(models))
	for i := range models {
		out[i] = toAuditDomain(&models[i])
	}
	return out, nil
}
