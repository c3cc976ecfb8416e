// Package storage defines the unified Store interface that abstracts all persistence operations.
// Three backends are provided: SQLite (default, zero-config), PostgreSQL (production/multi-tenant)
// and an in-memory store for tests and ephemeral runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/budget"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/ratelimit"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var (
	// ErrNotFound is returned when a record does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set finds an unexpected state.
	ErrConflict = errors.New("state conflict")
)

// Store is the unified persistence interface for Veritas.
// It provides access to all collection-specific sub-stores through accessor methods.
type Store interface {
	Responses() ResponseStore
	Executions() ExecutionStore
	Audit() AuditStore
	CacheEntries() CacheEntryStore
	Reviews() ReviewStore
	Jobs() JobStore

	// Counter stores for the relational deployment.
	Budgets() budget.Store
	ActionWindows() ratelimit.Windows

	// Stats aggregates the operator metrics of one tenant.
	Stats(ctx context.Context, tenantID string) (*Stats, error)

	Driver() string
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ResponseStore persists reasoning responses. Responses are immutable once saved.
type ResponseStore interface {
	Save(ctx context.Context, resp *domain.ReasoningResponse) error
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ReasoningResponse, error)
}

// ExecutionFilter narrows an execution listing.
type ExecutionFilter struct {
	TenantID string
	States   []domain.ExecutionState
	Limit    int // 0 = 100
}

// TransitionOptions carries the side data of one state transition. Ticket
// changes are applied in the same atomic operation as the state change.
type TransitionOptions struct {
	Now              time.Time
	OpenTicket       *domain.ApprovalTicket
	CloseTicket      bool
	DecidedBy        string
	MarkDecided      bool
	MarkExecuted     bool
	MarkCompleted    bool
	IncrementAttempt bool
	LastError        *string
}

// ExecutionStore persists action executions and their approval tickets.
type ExecutionStore interface {
	// Create inserts a new execution.
	Create(ctx context.Context, exec *domain.ActionExecution) error
	// Get returns an execution. An empty tenantID matches any tenant.
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.ActionExecution, error)
	List(ctx context.Context, f ExecutionFilter) ([]*domain.ActionExecution, error)
	// Transition moves an execution from one of the given states to `to`.
	// It returns ErrConflict (with the current record) when the state does not match.
	Transition(ctx context.Context, id uuid.UUID, from []domain.ExecutionState, to domain.ExecutionState, opts TransitionOptions) (*domain.ActionExecution, error)
	Ticket(ctx context.Context, executionID uuid.UUID) (*domain.ApprovalTicket, error)
	// ExpiredTickets returns open tickets whose expiry is before now.
	ExpiredTickets(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalTicket, error)
}

// AuditFilter narrows an audit listing.
type AuditFilter struct {
	TenantID    string
	ExecutionID *uuid.UUID
	EventType   string
	Limit       int // 0 = 100
}

// AuditStore is append-only. There is no update or delete path.
type AuditStore interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]*domain.AuditEntry, error)
}

// TemplateUsage is the number of cached answers attributed to one prompt template.
type TemplateUsage struct {
	TemplateID      string `json:"template_id"`
	TemplateVersion string `json:"template_version"`
	Entries         int64  `json:"entries"`
	Hits            int64  `json:"hits"`
}

// CacheEntryStore persists cache entries for template analysis and warm restarts.
type CacheEntryStore interface {
	// Upsert overwrites the entry keyed by (tenant, fingerprint).
	Upsert(ctx context.Context, entry *domain.CacheEntry) error
	IncrementUsage(ctx context.Context, tenantID, fingerprint string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	TemplateUsage(ctx context.Context, tenantID string) ([]TemplateUsage, error)
}

// ReviewStore persists the human review queue.
type ReviewStore interface {
	Create(ctx context.Context, item *domain.ReviewItem) error
	List(ctx context.Context, tenantID string, status domain.ReviewStatus, limit int) ([]*domain.ReviewItem, error)
	// Resolve settles a pending item. It returns ErrConflict when already resolved.
	Resolve(ctx context.Context, tenantID string, id uuid.UUID, status domain.ReviewStatus, reviewer, note string, now time.Time) (*domain.ReviewItem, error)
}

// JobStore persists asynchronous job handles.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Job, error)
	Update(ctx context.Context, id uuid.UUID, status domain.JobStatus, resultID, errMsg string) error
}

// Stats is the aggregate operator view of one tenant.
type Stats struct {
	TenantID          string                          `json:"tenant_id"`
	Responses         int64                           `json:"responses"`
	ResponsesByType   map[domain.ResponseType]int64   `json:"responses_by_type"`
	CacheHitRate      float64                         `json:"cache_hit_rate"`
	CostTotalUSD      float64                         `json:"cost_total_usd"`
	HumanReviewRate   float64                         `json:"human_review_rate"`
	Executions        map[domain.ExecutionState]int64 `json:"executions"`
	ActionSuccessRate float64                         `json:"action_success_rate"`
	ActionFailureRate float64                         `json:"action_failure_rate"`
}

// ComputeRates fills the derived ratios from the raw counts.
func (s *Stats) ComputeRates(needsReview int64) {
	if s.Responses > 0 {
		s.CacheHitRate = float64(s.ResponsesByType[domain.ResponseCached]) / float64(s.Responses)
		s.HumanReviewRate = float64(needsReview) / float64(s.Responses)
	}
	done := s.Executions[domain.StateCompleted] + s.Executions[domain.StateRolledBack]
	failed := s.Executions[domain.StateFailed]
	if total := done + failed; total > 0 {
		s.ActionSuccessRate = float64(done) / float64(total)
		s.ActionFailureRate = float64(failed) / float64(total)
	}
}

// Contains reports whether state is in states.
func Contains(states []domain.ExecutionState, state domain.ExecutionState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
