// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Prediction is the opaque record produced by the forecasting/anomaly pipeline.
type Prediction struct {
	TenantID        string         `json:"tenant_id"`
	PredictionID    string         `json:"prediction_id"`
	PredictedValues map[string]any `json:"predicted_values"`
	ImpactScore     float64        `json:"impact_score"`
	Evidence        []Evidence     `json:"evidence,omitempty"`
}

// Evidence is one piece of supporting context supplied with a prediction.
type Evidence struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

// ReasoningRequest is immutable once built by the orchestrator.
type ReasoningRequest struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          string     `json:"tenant_id"`
	PredictionID      string     `json:"prediction_id"`
	PromptFingerprint string     `json:"prompt_fingerprint"`
	ContextEvidence   []Evidence `json:"context_evidence"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ResponseType tells the caller which path produced a ReasoningResponse.
type ResponseType string

const (
	ResponseFull      ResponseType = "full"      // Primary provider answered.
	ResponseCached    ResponseType = "cached"    // Exact or semantic cache hit.
	ResponseFallback  ResponseType = "fallback"  // A fallback provider answered.
	ResponseDegraded  ResponseType = "degraded"  // Budget, circuit or provider unavailable.
	ResponseTemplated ResponseType = "templated" // Low impact, provider deliberately not called.
)

// ReasoningResponse is created once per request and never mutated.
type ReasoningResponse struct {
	ID              uuid.UUID      `json:"id"`
	RequestID       uuid.UUID      `json:"request_id"`
	TenantID        string         `json:"tenant_id"`
	PredictionID    string         `json:"prediction_id"`
	Text            string         `json:"text"`
	ConfidenceScore float64        `json:"confidence_score"`
	EvidenceSupport []ClaimSupport `json:"evidence_support"`
	ResponseType    ResponseType   `json:"response_type"`
	ModelUsed       string         `json:"model_used,omitempty"`
	CostUSD         float64        `json:"cost_usd"`
	NeedsReview     bool           `json:"needs_review"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ClaimSupport records whether one claim of a response is grounded in evidence.
type ClaimSupport struct {
	Claim      string  `json:"claim"`
	Supported  bool    `json:"supported"`
	EvidenceID string  `json:"evidence_id,omitempty"`
	Score      float64 `json:"score"`
}

// Embedding is a vector tagged with the model that produced it.
type Embedding struct {
	Vector []float32 `json:"vector"`
	Model  string    `json:"model"`
	Dim    int       `json:"dim"`
}

// CacheEntry is a stored reasoning output. Entries are overwritten, never mutated.
type CacheEntry struct {
	TenantID          string         `json:"tenant_id"`
	PromptFingerprint string         `json:"prompt_fingerprint"`
	Embedding         *Embedding     `json:"embedding,omitempty"`
	ResponseText      string         `json:"response_text"`
	ModelUsed         string         `json:"model_used,omitempty"`
	Confidence        float64        `json:"confidence"`
	EvidenceSupport   []ClaimSupport `json:"evidence_support"`
	TemplateID        string         `json:"template_id"`
	TemplateVersion   string         `json:"template_version"`
	TTL               time.Duration  `json:"ttl"`
	UsageCount        int64          `json:"usage_count"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Budget is the spend state of one tenant for one period.
type Budget struct {
	TenantID       string  `json:"tenant_id"`
	Period         string  `json:"period"` // UTC date, e.g. "2026-10-16".
	ReservedAmount float64 `json:"reserved_usd"`
	Limit          float64 `json:"limit_usd"`
}

// Remaining returns the headroom left in the period.
func (b Budget) Remaining() float64 {
	r := b.Limit - b.ReservedAmount
	if r < 0 {
		return 0
	}
	return r
}

// CircuitStatus is the state of a (tenant, provider) breaker.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitState is a snapshot of one breaker.
type CircuitState struct {
	TenantID            string        `json:"tenant_id"`
	Provider            string        `json:"provider"`
	State               CircuitStatus `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
}

// ActionProposal is a typed action extracted from a reasoning response.
type ActionProposal struct {
	ResponseID    uuid.UUID      `json:"response_id"`
	ActionType    string         `json:"action_type"`
	Parameters    map[string]any `json:"parameters"`
	Confidence    float64        `json:"confidence"`
	ReasoningText string         `json:"reasoning_text,omitempty"`
}

// ExecutionState is a node of the action state machine.
type ExecutionState string

const (
	StatePending          ExecutionState = "pending"
	StateAutoApproved     ExecutionState = "auto_approved"
	StateAwaitingApproval ExecutionState = "awaiting_approval"
	StateApproved         ExecutionState = "approved"
	StateRejected         ExecutionState = "rejected"
	StateExecuting        ExecutionState = "executing"
	StateCompleted        ExecutionState = "completed"
	StateFailed           ExecutionState = "failed"
	StateRolledBack       ExecutionState = "rolled_back"
)

// transitions lists the states reachable from each state. An executing
// execution may re-enter executing to record a failed attempt. A claimed
// rollback returns to completed when the revert fails.
var transitions = map[ExecutionState][]ExecutionState{
	StatePending:          {StateAutoApproved, StateAwaitingApproval, StateRejected},
	StateAwaitingApproval: {StateApproved, StateAutoApproved, StateRejected},
	StateApproved:         {StateExecuting},
	StateAutoApproved:     {StateExecuting},
	StateExecuting:        {StateExecuting, StateCompleted, StateFailed},
	StateCompleted:        {StateRolledBack},
	StateRolledBack:       {StateCompleted},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to ExecutionState) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transition can leave the state,
// except rollback from completed.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StateRolledBack, StateCompleted:
		return true
	}
	return false
}

// ActionExecution is the central state machine record.
type ActionExecution struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ResponseID    uuid.UUID      `json:"response_id"`
	ActionType    string         `json:"action_type"`
	Parameters    map[string]any `json:"parameters"`
	State         ExecutionState `json:"state"`
	Confidence    float64        `json:"confidence"`
	ImpactLevel   string         `json:"impact_level"`
	ReasoningText string         `json:"reasoning_text,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ApprovalTicket exists only while its execution is awaiting approval.
type ApprovalTicket struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	TenantID    string    `json:"tenant_id"`
	Priority    int       `json:"priority"` // 1 = most urgent.
	AssignedTo  string    `json:"assigned_to,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	Decision    string    `json:"decision,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry is an immutable record of a decision or transition.
type AuditEntry struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID *uuid.UUID     `json:"execution_id,omitempty"`
	EventType   string         `json:"event_type"`
	Actor       string         `json:"actor"`
	BeforeState string         `json:"before_state"`
	AfterState  string         `json:"after_state"`
	Details     map[string]any `json:"details"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ReviewStatus is the disposition of a human review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewItem is a low-confidence response waiting for manual disposition.
type ReviewItem struct {
	ID         uuid.UUID    `json:"id"`
	TenantID   string       `json:"tenant_id"`
	ResponseID uuid.UUID    `json:"response_id"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
	Status     ReviewStatus `json:"status"`
	ReviewedBy string       `json:"reviewed_by,omitempty"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// JobStatus tracks an asynchronous unit of work.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is the persisted handle of queued work.
type Job struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Kind      string    `json:"kind"`
	Status    JobStatus `json:"status"`
	ResultID  string    `json:"result_id,omitempty"` // e.g. the reasoning response ID.
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
