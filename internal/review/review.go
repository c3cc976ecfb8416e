// Package review implements the human review queue for low-confidence
// reasoning responses.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

var (
	ErrNotFound        = errors.New("review item not found")
	ErrAlreadyResolved = errors.New("review item already resolved")
)

// Queue stores review items and records their disposition.
type Queue struct {
	store  storage.ReviewStore
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a review queue over store.
func NewQueue(store storage.ReviewStore, logger *slog.Logger) *Queue {
	return &Queue{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a response to the queue.
func (q *Queue) Enqueue(ctx context.Context, resp *domain.ReasoningResponse, reason string) (*domain.ReviewItem, error) {
	item := &domain.ReviewItem{
		ID:         uuid.New(),
		TenantID:   resp.TenantID,
		ResponseID: resp.ID,
		Confidence: resp.ConfidenceScore,
		Reason:     reason,
		Status:     domain.ReviewPending,
		CreatedAt:  q.now(),
	}
	if err := q.store.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueueing review item: %w", err)
	}

	q.logger.InfoContext(ctx, "response queued for human review",
		slog.String("tenant_id", resp.TenantID),
		slog.String("response_id", resp.ID.String()),
		slog.String("review_id", item.ID.String()),
		slog.Float64("confidence", resp.ConfidenceScore),
		slog.String("reason", reason),
	)
	return item, nil
}

// Pending lists the unresolved items of a tenant, oldest first.
func (q *Queue) Pending(ctx context.Context, tenantID string, limit int) ([]*domain.ReviewItem, error) {
	return q.store.List(ctx, tenantID, domain.ReviewPending, limit)
}

// List returns items of a tenant with the given status. An empty status lists all.
func (q *Queue) List(ctx context.Context, tenantID string, status domain.ReviewStatus, limit int) ([]*domain.ReviewItem, error) {
	return q.store.List(ctx, tenantID, status, limit)
}

// Resolve accepts or rejects a pending item. Each item is resolved once.
func (q *Queue) Resolve(ctx context.Context, tenantID string, id uuid.UUID, accept bool, reviewer, note string) (*domain.ReviewItem, error) {
	status := domain.ReviewRejected
	if accept {
		status = domain.ReviewAccepted
	}

	item, err := q.store.Resolve(ctx, tenantID, id, status, reviewer, note, q.now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return item, ErrAlreadyResolved
	case err != nil:
		return nil, fmt.Errorf("resolving review item: %w", err)
	}

	q.logger.InfoContext(ctx, "review item resolved",
		slog.String("tenant_id", tenantID),
		slog.String("review_id", id.String()),
		slog.String("status", string(status)),
		slog.String("reviewer", reviewer),
	)
	return item, nil
}
