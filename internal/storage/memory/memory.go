// Package memory implements storage.Store in process memory.
// Records are copied on the way in and out so callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/budget"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/ratelimit"
	"github.com/jkaninda/veritas/internal/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu         sync.RWMutex
	responses  map[uuid.UUID]*domain.ReasoningResponse
	executions map[uuid.UUID]*domain.ActionExecution
	tickets    map[uuid.UUID]*domain.ApprovalTicket
	audit      []*domain.AuditEntry
	cache      map[string]*domain.CacheEntry
	reviews    map[uuid.UUID]*domain.ReviewItem
	jobs       map[uuid.UUID]*domain.Job

	budgets *budget.MemoryStore
	windows *ratelimit.MemoryWindows
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		responses:  make(map[uuid.UUID]*domain.ReasoningResponse),
		executions: make(map[uuid.UUID]*domain.ActionExecution),
		tickets:    make(map[uuid.UUID]*domain.ApprovalTicket),
		cache:      make(map[string]*domain.CacheEntry),
		reviews:    make(map[uuid.UUID]*domain.ReviewItem),
		jobs:       make(map[uuid.UUID]*domain.Job),
		budgets:    budget.NewMemoryStore(),
		windows:    ratelimit.NewMemoryWindows(),
	}
}

func (s *Store) Responses() storage.ResponseStore      { return responseStore{s} }
func (s *Store) Executions() storage.ExecutionStore    { return executionStore{s} }
func (s *Store) Audit() storage.AuditStore             { return auditStore{s} }
func (s *Store) CacheEntries() storage.CacheEntryStore { return cacheStore{s} }
func (s *Store) Reviews() storage.ReviewStore          { return reviewStore{s} }
func (s *Store) Jobs() storage.JobStore                { return jobStore{s} }
func (s *Store) Budgets() budget.Store                 { return s.budgets }
func (s *Store) ActionWindows() ratelimit.Windows      { return s.windows }

func (s *Store) Driver() string                { return storage.DriverMemory }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Close() error                  { return nil }

// Stats aggregates the tenant's responses and executions.
func (s *Store) Stats(_ context.Context, tenantID string) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &storage.Stats{
		TenantID:        tenantID,
		ResponsesByType: map[domain.ResponseType]int64{},
		Executions:      map[domain.ExecutionState]int64{},
	}
	var review int64
	for _, r := range s.responses {
		if r.TenantID != tenantID {
			continue
		}
		st.Responses++
		st.ResponsesByType[r.ResponseType]++
		st.CostTotalUSD += r.CostUSD
		if r.NeedsReview {
			review++
		}
	}
	for _, e := range s.executions {
		if e.TenantID == tenantID {
			st.Executions[e.State]++
		}
	}
	st.ComputeRates(review)
	return st, nil
}

// --- responses ---

type responseStore struct{ s *Store }

func (r responseStore) Save(_ context.Context, resp *domain.ReasoningResponse) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.responses[resp.ID]; ok {
		return fmt.Errorf("response %s: %w", resp.ID, storage.ErrConflict)
	}
	cp := *resp
	cp.EvidenceSupport = slices.Clone(resp.EvidenceSupport)
	r.s.responses[resp.ID] = &cp
	return nil
}

func (r responseStore) Get(_ context.Context, tenantID string, id uuid.UUID) (*domain.ReasoningResponse, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	resp, ok := r.s.responses[id]
	if !ok || resp.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	cp := *resp
	cp.EvidenceSupport = slices.Clone(resp.EvidenceSupport)
	return &cp, nil
}

// --- executions ---

type executionStore struct{ s *Store }

func copyExec(e *domain.ActionExecution) *domain.ActionExecution {
	cp := *e
	cp.Parameters = maps.Clone(e.Parameters)
	return &cp
}

func (x executionStore) Create(_ context.Context, exec *domain.ActionExecution) error {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	if _, ok := x.s.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s: %w", exec.ID, storage.ErrConflict)
	}
	x.s.executions[exec.ID] = copyExec(exec)
	return nil
}

func (x executionStore) Get(_ context.Context, tenantID string, id uuid.UUID) (*domain.ActionExecution, error) {
	x.s.mu.RLock()
	defer x.s.mu.RUnlock()
	e, ok := x.s.executions[id]
	if !ok || (tenantID != "" && e.TenantID != tenantID) {
		return nil, storage.ErrNotFound
	}
	return copyExec(e), nil
}

func (x executionStore) List(_ context.Context, f storage.ExecutionFilter) ([]*domain.ActionExecution, error) {
	x.s.mu.RLock()
	defer x.s.mu.RUnlock()
	var out []*domain.ActionExecution
	for _, e := range x.s.executions {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if len(f.States) > 0 && !storage.Contains(f.States, e.State) {
			continue
		}
		out = append(out, copyExec(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x executionStore) Transition(_ context.Context, id uuid.UUID, from []domain.ExecutionState, to domain.ExecutionState, opts storage.TransitionOptions) (*domain.ActionExecution, error) {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	e, ok := x.s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !storage.Contains(from, e.State) {
		return copyExec(e), fmt.Errorf("execution %s is %s: %w", id, e.State, storage.ErrConflict)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.State = to
	e.UpdatedAt = now
	if opts.DecidedBy != "" {
		e.DecidedBy = opts.DecidedBy
	}
	if opts.MarkDecided {
		e.DecidedAt = &now
	}
	if opts.MarkExecuted {
		e.ExecutedAt = &now
	}
	if opts.MarkCompleted {
		e.CompletedAt = &now
	}
	if opts.IncrementAttempt {
		e.Attempts++
	}
	if opts.LastError != nil {
		e.LastError = *opts.LastError
	}
	if opts.CloseTicket {
		delete(x.s.tickets, id)
	}
	if opts.OpenTicket != nil {
		t := *opts.OpenTicket
		x.s.tickets[id] = &t
	}
	return copyExec(e), nil
}

func (x executionStore) Ticket(_ context.Context, executionID uuid.UUID) (*domain.ApprovalTicket, error) {
	x.s.mu.RLock()
	defer x.s.mu.RUnlock()
	t, ok := x.s.tickets[executionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (x executionStore) ExpiredTickets(_ context.Context, now time.Time, limit int) ([]*domain.ApprovalTicket, error) {
	x.s.mu.RLock()
	defer x.s.mu.RUnlock()
	var out []*domain.ApprovalTicket
	for _, t := range x.s.tickets {
		if t.ExpiresAt.Before(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- audit ---

type auditStore struct{ s *Store }

func (a auditStore) Append(_ context.Context, entry *domain.AuditEntry) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *entry
	cp.Details = maps.Clone(entry.Details)
	a.s.audit = append(a.s.audit, &cp)
	return nil
}

func (a auditStore) List(_ context.Context, f storage.AuditFilter) ([]*domain.AuditEntry, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.AuditEntry
	for i := len(a.s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := a.s.audit[i]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.ExecutionID != nil && (e.ExecutionID == nil || *e.ExecutionID != *f.ExecutionID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// --- cache entries ---

type cacheStore struct{ s *Store }

func cacheKey(tenantID, fingerprint string) string { return tenantID + "|" + fingerprint }

func (c cacheStore) Upsert(_ context.Context, entry *domain.CacheEntry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cp := *entry
	c.s.cache[cacheKey(entry.TenantID, entry.PromptFingerprint)] = &cp
	return nil
}

func (c cacheStore) IncrementUsage(_ context.Context, tenantID, fingerprint string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if e, ok := c.s.cache[cacheKey(tenantID, fingerprint)]; ok {
		e.UsageCount++
	}
	return nil
}

func (c cacheStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var n int64
	for k, e := range c.s.cache {
		if e.TTL > 0 && e.CreatedAt.Add(e.TTL).Before(now) {
			delete(c.s.cache, k)
			n++
		}
	}
	return n, nil
}

func (c cacheStore) TemplateUsage(_ context.Context, tenantID string) ([]storage.TemplateUsage, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	agg := map[[2]string]*storage.TemplateUsage{}
	for _, e := range c.s.cache {
		if e.TenantID != tenantID {
			continue
		}
		k := [2]string{e.TemplateID, e.TemplateVersion}
		u, ok := agg[k]
		if !ok {
			u = &storage.TemplateUsage{TemplateID: e.TemplateID, TemplateVersion: e.TemplateVersion}
			agg[k] = u
		}
		u.Entries++
		u.Hits += e.UsageCount
	}
	out := make([]storage.TemplateUsage, 0, len(agg))
	for _, u := range agg {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TemplateID != out[j].TemplateID {
			return out[i].TemplateID < out[j].TemplateID
		}
		return out[i].TemplateVersion < out[j].TemplateVersion
	})
	return out, nil
}

// --- reviews ---

type reviewStore struct{ s *Store }

func (r reviewStore) Create(_ context.Context, item *domain.ReviewItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *item
	r.s.reviews[item.ID] = &cp
	return nil
}

func (r reviewStore) List(_ context.Context, tenantID string, status domain.ReviewStatus, limit int) ([]*domain.ReviewItem, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.ReviewItem
	for _, it := range r.s.reviews {
		if it.TenantID != tenantID || (status != "" && it.Status != status) {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r reviewStore) Resolve(_ context.Context, tenantID string, id uuid.UUID, status domain.ReviewStatus, reviewer, note string, now time.Time) (*domain.ReviewItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.reviews[id]
	if !ok || it.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	if it.Status != domain.ReviewPending {
		cp := *it
		return &cp, storage.ErrConflict
	}
	it.Status = status
	it.ReviewedBy = reviewer
	it.Note = note
	it.ResolvedAt = &now
	cp := *it
	return &cp, nil
}

// --- jobs ---

type jobStore struct{ s *Store }

func (j jobStore) Create(_ context.Context, job *domain.Job) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	cp := *job
	j.s.jobs[job.ID] = &cp
	return nil
}

func (j jobStore) Get(_ context.Context, tenantID string, id uuid.UUID) (*domain.Job, error) {
	j.s.mu.RLock()
	defer j.s.mu.RUnlock()
	job, ok := j.s.jobs[id]
	if !ok || (tenantID != "" && job.TenantID != tenantID) {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (j jobStore) Update(_ context.Context, id uuid.UUID, status domain.JobStatus, resultID, errMsg string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	job.Status = status
	if resultID != "" {
		job.ResultID = resultID
	}
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	return nil
}

var _ storage.Store = (*Store)(nil)
