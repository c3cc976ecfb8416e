package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/budget"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/ratelimit"
	"github.com/jkaninda/veritas/internal/storage"
)

// Repositories holds the GORM sub-stores over one connection.
// Both the PostgreSQL and the SQLite backends embed it.
type Repositories struct {
	db *gorm.DB

	responses  *ResponseRepository
	executions *ExecutionRepository
	audit      *AuditRepository
	cache      *CacheEntryRepository
	reviews    *ReviewRepository
	jobs       *JobRepository
	budgets    *BudgetRepository
	windows    *ActionWindowRepository
}

// NewRepositories wraps a GORM connection.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:         db,
		responses:  NewResponseRepository(db),
		executions: NewExecutionRepository(db),
		audit:      NewAuditRepository(db),
		cache:      NewCacheEntryRepository(db),
		reviews:    NewReviewRepository(db),
		jobs:       NewJobRepository(db),
		budgets:    NewBudgetRepository(db),
		windows:    NewActionWindowRepository(db),
	}
}

func (r *Repositories) Responses() storage.ResponseStore      { return r.responses }
func (r *Repositories) Executions() storage.ExecutionStore    { return r.executions }
func (r *Repositories) Audit() storage.AuditStore             { return r.audit }
func (r *Repositories) CacheEntries() storage.CacheEntryStore { return r.cache }
func (r *Repositories) Reviews() storage.ReviewStore          { return r.reviews }
func (r *Repositories) Jobs() storage.JobStore                { return r.jobs }
func (r *Repositories) Budgets() budget.Store                 { return r.budgets }
func (r *Repositories) ActionWindows() ratelimit.Windows      { return r.windows }

// Stats aggregates response and execution counts for one tenant.
func (r *Repositories) Stats(ctx context.Context, tenantID string) (*storage.Stats, error) {
	st := &storage.Stats{
		TenantID:        tenantID,
		ResponsesByType: map[domain.ResponseType]int64{},
		Executions:      map[domain.ExecutionState]int64{},
	}

	var byType []struct {
		ResponseType string
		N            int64
		Cost         float64
		Review       int64
	}
	err := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Select("response_type, COUNT(*) AS n, COALESCE(SUM(cost_usd), 0) AS cost, " +
			"SUM(CASE WHEN needs_review THEN 1 ELSE 0 END) AS review").
		Scopes(TenantScope(tenantID)).
		Group("response_type").
		Scan(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating responses: %w", err)
	}
	var review int64
	for _, row := range byType {
		st.Responses += row.N
		st.ResponsesByType[domain.ResponseType(row.ResponseType)] = row.N
		st.CostTotalUSD += row.Cost
		review += row.Review
	}

	var byState []struct {
		State string
		N     int64
	}
	err = r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Select("state, COUNT(*) AS n").
		Scopes(TenantScope(tenantID)).
		Group("state").
		Scan(&byState).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating executions: %w", err)
	}
	for _, row := range byState {
		st.Executions[domain.ExecutionState(row.State)] = row.N
	}

	st.ComputeRates(review)
	return st, nil
}

// Migrate creates or updates every table.
func (r *Repositories) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

func (r *Repositories) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Repositories) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
