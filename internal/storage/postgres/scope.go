package postgres

import (
	"errors"

	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/storage"
)

// TenantScope returns a GORM scope that filters by tenant_id.
// Must be applied to every tenant-facing query for isolation.
func TenantScope(tenantID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID)
	}
}

// notFound maps gorm.ErrRecordNotFound to storage.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}
