package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
)

func marshalJSONB(v any, empty string) JSONB {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return JSONB(empty)
	}
	return JSONB(data)
}

// --- Responses ---

func toResponseModel(r *domain.ReasoningResponse) ResponseModel {
	return ResponseModel{
		ID:              r.ID,
		RequestID:       r.RequestID,
		TenantID:        r.TenantID,
		PredictionID:    r.PredictionID,
		Text:            r.Text,
		ConfidenceScore: r.ConfidenceScore,
		EvidenceSupport: marshalJSONB(r.EvidenceSupport, "[]"),
		ResponseType:    string(r.ResponseType),
		ModelUsed:       r.ModelUsed,
		CostUSD:         r.CostUSD,
		NeedsReview:     r.NeedsReview,
		CreatedAt:       r.CreatedAt,
	}
}

func toResponseDomain(m *ResponseModel) *domain.ReasoningResponse {
	var support []domain.ClaimSupport
	_ = json.Unmarshal(m.EvidenceSupport, &support)
	return &domain.ReasoningResponse{
		ID:              m.ID,
		RequestID:       m.RequestID,
		TenantID:        m.TenantID,
		PredictionID:    m.PredictionID,
		Text:            m.Text,
		ConfidenceScore: m.ConfidenceScore,
		EvidenceSupport: support,
		ResponseType:    domain.ResponseType(m.ResponseType),
		ModelUsed:       m.ModelUsed,
		CostUSD:         m.CostUSD,
		NeedsReview:     m.NeedsReview,
		CreatedAt:       m.CreatedAt,
	}
}

// --- Executions ---

func toExecutionModel(e *domain.ActionExecution) ExecutionModel {
	return ExecutionModel{
		ID:            e.ID,
		TenantID:      e.TenantID,
		ResponseID:    e.ResponseID,
		ActionType:    e.ActionType,
		Parameters:    marshalJSONB(e.Parameters, "{}"),
		State:         string(e.State),
		Confidence:    e.Confidence,
		ImpactLevel:   e.ImpactLevel,
		ReasoningText: e.ReasoningText,
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		DecidedBy:     e.DecidedBy,
		CreatedAt:     e.CreatedAt,
		DecidedAt:     e.DecidedAt,
		ExecutedAt:    e.ExecutedAt,
		CompletedAt:   e.CompletedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) *domain.ActionExecution {
	params := map[string]any{}
	_ = json.Unmarshal(m.Parameters, &params)
	return &domain.ActionExecution{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ResponseID:    m.ResponseID,
		ActionType:    m.ActionType,
		Parameters:    params,
		State:         domain.ExecutionState(m.State),
		Confidence:    m.Confidence,
		ImpactLevel:   m.ImpactLevel,
		ReasoningText: m.ReasoningText,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		DecidedBy:     m.DecidedBy,
		CreatedAt:     m.CreatedAt,
		DecidedAt:     m.DecidedAt,
		ExecutedAt:    m.ExecutedAt,
		CompletedAt:   m.CompletedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func toTicketModel(t *domain.ApprovalTicket) TicketModel {
	return TicketModel{
		ExecutionID: t.ExecutionID,
		TenantID:    t.TenantID,
		Priority:    t.Priority,
		AssignedTo:  t.AssignedTo,
		ExpiresAt:   t.ExpiresAt,
		CreatedAt:   t.CreatedAt,
	}
}

func toTicketDomain(m *TicketModel) *domain.ApprovalTicket {
	return &domain.ApprovalTicket{
		ExecutionID: m.ExecutionID,
		TenantID:    m.TenantID,
		Priority:    m.Priority,
		AssignedTo:  m.AssignedTo,
		ExpiresAt:   m.ExpiresAt,
		CreatedAt:   m.CreatedAt,
	}
}

// --- Audit ---

func toAuditModel(e *domain.AuditEntry) AuditEntryModel {
	return AuditEntryModel{
		ID:          e.ID,
		TenantID:    e.TenantID,
		ExecutionID: e.ExecutionID,
		EventType:   e.EventType,
		Actor:       e.Actor,
		BeforeState: e.BeforeState,
		AfterState:  e.AfterState,
		Details:     marshalJSONB(e.Details, "{}"),
		Timestamp:   e.Timestamp,
	}
}

func toAuditDomain(m *AuditEntryModel) *domain.AuditEntry {
	var details map[string]any
	_ = json.Unmarshal(m.Details, &details)
	return &domain.AuditEntry{
		ID:          m.ID,
		TenantID:    m.TenantID,
		ExecutionID: m.ExecutionID,
		EventType:   m.EventType,
		Actor:       m.Actor,
		BeforeState: m.BeforeState,
		AfterState:  m.AfterState,
		Details:     details,
		Timestamp:   m.Timestamp,
	}
}

// --- Cache entries ---

func toCacheModel(e *domain.CacheEntry) CacheEntryModel {
	m := CacheEntryModel{
		TenantID:          e.TenantID,
		PromptFingerprint: e.PromptFingerprint,
		ResponseText:      e.ResponseText,
		ModelUsed:         e.ModelUsed,
		Confidence:        e.Confidence,
		EvidenceSupport:   marshalJSONB(e.EvidenceSupport, "[]"),
		TemplateID:        e.TemplateID,
		TemplateVersion:   e.TemplateVersion,
		TTLSeconds:        int64(e.TTL / time.Second),
		UsageCount:        e.UsageCount,
		CreatedAt:         e.CreatedAt,
		ExpiresAt:         e.CreatedAt.Add(e.TTL),
	}
	if e.Embedding != nil {
		m.Embedding = marshalJSONB(e.Embedding.Vector, "[]")
		m.EmbeddingModel = e.Embedding.Model
		m.EmbeddingDim = e.Embedding.Dim
	}
	return m
}

// --- Reviews ---

func toReviewModel(r *domain.ReviewItem) ReviewItemModel {
	return ReviewItemModel{
		ID:         r.ID,
		TenantID:   r.TenantID,
		ResponseID: r.ResponseID,
		Confidence: r.Confidence,
		Reason:     r.Reason,
		Status:     string(r.Status),
		ReviewedBy: r.ReviewedBy,
		Note:       r.Note,
		CreatedAt:  r.CreatedAt,
		ResolvedAt: r.ResolvedAt,
	}
}

func toReviewDomain(m *ReviewItemModel) *domain.ReviewItem {
	return &domain.ReviewItem{
		ID:         m.ID,
		TenantID:   m.TenantID,
		ResponseID: m.ResponseID,
		Confidence: m.Confidence,
		Reason:     m.Reason,
		Status:     domain.ReviewStatus(m.Status),
		ReviewedBy: m.ReviewedBy,
		Note:       m.Note,
		CreatedAt:  m.CreatedAt,
		ResolvedAt: m.ResolvedAt,
	}
}

// --- Jobs ---

func toJobModel(j *domain.Job) JobModel {
	return JobModel{
		ID:        j.ID,
		TenantID:  j.TenantID,
		Kind:      j.Kind,
		Status:    string(j.Status),
		ResultID:  j.ResultID,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func toJobDomain(m *JobModel) *domain.Job {
	return &domain.Job{
		ID:        m.ID,
		TenantID:  m.TenantID,
		Kind:      m.Kind,
		Status:    domain.JobStatus(m.Status),
		ResultID:  m.ResultID,
		Error:     m.Error,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
