package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns (TEXT under SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", src)
	}
	return nil
}

// ResponseModel maps to the "reasoning_responses" table.
// No UpdatedAt: responses are immutable once written.
type ResponseModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID       uuid.UUID `gorm:"type:uuid;not null"`
	TenantID        string    `gorm:"not null;index:idx_responses_tenant_created,priority:1"`
	PredictionID    string    `gorm:"not null;index"`
	Text            string    `gorm:"type:text;not null"`
	ConfidenceScore float64   `gorm:"not null"`
	EvidenceSupport JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	ResponseType    string    `gorm:"not null;index"`
	ModelUsed       string
	CostUSD         float64   `gorm:"type:numeric(14,6);not null;default:0"`
	NeedsReview     bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"index:idx_responses_tenant_created,priority:2"`
}

func (ResponseModel) TableName() string { return "reasoning_responses" }

// ExecutionModel maps to the "action_executions" table.
type ExecutionModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      string    `gorm:"not null;index:idx_exec_tenant_state,priority:1"`
	ResponseID    uuid.UUID `gorm:"type:uuid;index"`
	ActionType    string    `gorm:"not null"`
	Parameters    JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	State         string    `gorm:"not null;index:idx_exec_tenant_state,priority:2"`
	Confidence    float64   `gorm:"not null"`
	ImpactLevel   string    `gorm:"not null"`
	ReasoningText string    `gorm:"type:text"`
	Attempts      int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"type:text"`
	DecidedBy     string
	CreatedAt     time.Time
	DecidedAt     *time.Time
	ExecutedAt    *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

func (ExecutionModel) TableName() string { return "action_executions" }

// TicketModel maps to the "approval_tickets" table.
// A row exists only while its execution is awaiting approval.
type TicketModel struct {
	ExecutionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID    string    `gorm:"not null;index"`
	Priority    int       `gorm:"not null"`
	AssignedTo  string
	ExpiresAt   time.Time `gorm:"not null;index"`
	CreatedAt   time.Time
}

func (TicketModel) TableName() string { return "approval_tickets" }

// AuditEntryModel maps to the "audit_entries" table.
// No UpdatedAt or DeletedAt: audit entries are append-only.
type AuditEntryModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID    string     `gorm:"not null;index"`
	ExecutionID *uuid.UUID `gorm:"type:uuid;index"`
	EventType   string     `gorm:"not null;index"`
	Actor       string     `gorm:"not null"`
	BeforeState string
	AfterState  string
	Details     JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Timestamp   time.Time `gorm:"column:occurred_at;not null;index"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

// CacheEntryModel maps to the "cache_entries" table.
type CacheEntryModel struct {
	TenantID          string `gorm:"primaryKey"`
	PromptFingerprint string `gorm:"primaryKey"`
	Embedding         JSONB  `gorm:"type:jsonb"`
	EmbeddingModel    string
	EmbeddingDim      int
	ResponseText      string `gorm:"type:text;not null"`
	ModelUsed         string
	Confidence        float64 `gorm:"not null"`
	EvidenceSupport   JSONB   `gorm:"type:jsonb;not null;default:'[]'"`
	TemplateID        string  `gorm:"index:idx_cache_template,priority:1"`
	TemplateVersion   string  `gorm:"index:idx_cache_template,priority:2"`
	TTLSeconds        int64   `gorm:"not null"`
	UsageCount        int64   `gorm:"not null;default:0"`
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"index"`
}

func (CacheEntryModel) TableName() string { return "cache_entries" }

// ReviewItemModel maps to the "review_items" table.
type ReviewItemModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   string    `gorm:"not null;index:idx_review_tenant_status,priority:1"`
	ResponseID uuid.UUID `gorm:"type:uuid;not null"`
	Confidence float64   `gorm:"not null"`
	Reason     string
	Status     string `gorm:"not null;index:idx_review_tenant_status,priority:2"`
	ReviewedBy string
	Note       string `gorm:"type:text"`
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

func (ReviewItemModel) TableName() string { return "review_items" }

// JobModel maps to the "jobs" table.
type JobModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  string    `gorm:"not null;index"`
	Kind      string    `gorm:"not null"`
	Status    string    `gorm:"not null"`
	ResultID  string
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (JobModel) TableName() string { return "jobs" }

// BudgetCounterModel maps to the "budget_counters" table. Amounts are micro-dollars.
type BudgetCounterModel struct {
	TenantID       string `gorm:"primaryKey"`
	Period         string `gorm:"primaryKey"`
	ReservedMicros int64  `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

func (BudgetCounterModel) TableName() string { return "budget_counters" }

// ActionWindowModel maps to the "action_windows" table.
type ActionWindowModel struct {
	TenantID string `gorm:"primaryKey"`
	Bucket   string `gorm:"primaryKey"` // "h:2026-10-16T09" or "d:2026-10-16"
	Used     int    `gorm:"not null;default:0"`
}

func (ActionWindowModel) TableName() string { return "action_windows" }
