package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// CacheEntryRepository implements storage.CacheEntryStore.
type CacheEntryRepository struct {
	db *gorm.DB
}

// NewCacheEntryRepository creates a CacheEntryRepository.
func NewCacheEntryRepository(db *gorm.DB) *CacheEntryRepository {
	return &CacheEntryRepository{db: db}
}

func (r *CacheEntryRepository) Upsert(ctx context.Context, entry *domain.CacheEntry) error {
	model := toCacheModel(entry)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "prompt_fingerprint"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

func (r *CacheEntryRepository) IncrementUsage(ctx context.Context, tenantID, fingerprint string) error {
	err := r.db.WithContext(ctx).
		Model(&CacheEntryModel{}).
		Scopes(TenantScope(tenantID)).
		Where("prompt_fingerprint = ?", fingerprint).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error
	if err != nil {
		return fmt.Errorf("incrementing cache usage: %w", err)
	}
	return nil
}

func (r *CacheEntryRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("ttl_seconds > 0 AND expires_at < ?", now).
		Delete(&CacheEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging cache entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *CacheEntryRepository) TemplateUsage(ctx context.Context, tenantID string) ([]storage.TemplateUsage, error) {
	var rows []storage.TemplateUsage
	err := r.db.WithContext(ctx).
		Model(&CacheEntryModel{}).
		Select("template_id, template_version, COUNT(*) AS entries, COALESCE(SUM(usage_count), 0) AS hits").
		Scopes(TenantScope(tenantID)).
		Group("template_id, template_version").
		Order("template_id, template_version").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating template usage: %w", err)
	}
	return rows, nil
}
