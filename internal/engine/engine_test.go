package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/approval"
	"github.com/jkaninda/veritas/internal/audit"
	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/events"
	"github.com/jkaninda/veritas/internal/executor"
	"github.com/jkaninda/veritas/internal/storage"
	"github.com/jkaninda/veritas/internal/storage/memory"
	"github.com/jkaninda/veritas/internal/worker"
)

var fixedNow = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu          sync.Mutex
	applyErrs   []error
	onApply     func()
	revertErr   error
	revertDelay time.Duration
	calls       int
	reverts     int
	seen        []domain.ExecutionState
}

func (r *fakeRunner) Apply(_ context.Context, exec *domain.ActionExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.seen = append(r.seen, exec.State)
	if r.onApply != nil {
		r.onApply()
	}
	if len(r.applyErrs) == 0 {
		return nil
	}
	err := r.applyErrs[0]
	if len(r.applyErrs) > 1 {
		r.applyErrs = r.applyErrs[1:]
	}
	return err
}

func (r *fakeRunner) Revert(context.Context, *domain.ActionExecution) error {
	r.mu.Lock()
	r.reverts++
	delay, err := r.revertDelay, r.revertErr
	r.mu.Unlock()
	time.Sleep(delay)
	return err
}

// conflictingStore loses every compare-and-set into one target state.
type conflictingStore struct {
	storage.ExecutionStore
	target domain.ExecutionState
}

func (s conflictingStore) Transition(ctx context.Context, id uuid.UUID, from []domain.ExecutionState, to domain.ExecutionState, opts storage.TransitionOptions) (*domain.ActionExecution, error) {
	if to == s.target {
		current, _ := s.Get(ctx, "", id)
		return current, storage.ErrConflict
	}
	return s.ExecutionStore.Transition(ctx, id, from, to, opts)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []ExecutePayload
}

func (q *fakeQueue) Submit(_ context.Context, tenantID, kind string, payload any) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, payload.(ExecutePayload))
	return &domain.Job{ID: uuid.New(), TenantID: tenantID, Kind: kind, Status: domain.JobQueued}, nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	runner *fakeRunner
	queue  *fakeQueue
	bus    *events.Bus
}

func automated() *bool {
	on := true
	return &on
}

func newFixture(t *testing.T, policy config.TenantPolicy) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	f := &fixture{store: store, runner: &fakeRunner{}, queue: &fakeQueue{}, bus: events.NewBus(32)}
	f.engine = New(
		store.Executions(),
		audit.NewStoreLog(store.Audit(), logger),
		store.ActionWindows(),
		config.TenantsConfig{Default: policy}.For,
		f.runner,
		logger,
		Config{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	).WithQueue(f.queue).WithEvents(f.bus)
	f.engine.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) events(t *testing.T, id uuid.UUID, eventType string) []*domain.AuditEntry {
	t.Helper()
	entries, err := f.store.Audit().List(context.Background(), storage.AuditFilter{ExecutionID: &id, EventType: eventType})
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func proposal(kind string, confidence float64) domain.ActionProposal {
	params := map[string]any{"target_id": "sku-1"}
	switch kind {
	case string(actions.UpdatePrice):
		params = map[string]any{"sku": "sku-1", "new_price": 9.99}
	case string(actions.SendNotification):
		params = map[string]any{"message": "stock low"}
	}
	return domain.ActionProposal{ResponseID: uuid.New(), ActionType: kind, Parameters: params, Confidence: confidence}
}

func TestSubmit_Decisions(t *testing.T) {
	tests := []struct {
		name      string
		policy    config.TenantPolicy
		proposal  domain.ActionProposal
		wantState domain.ExecutionState
		wantEvent string
		queued    int
	}{
		{
			name:      "low confidence awaits approval",
			policy:    config.TenantPolicy{AutomationEnabled: automated()},
			proposal:  proposal("flag_for_review", 0.5),
			wantState: domain.StateAwaitingApproval,
			wantEvent: audit.EventAwaiting,
		},
		{
			name:      "high confidence low impact auto approves",
			policy:    config.TenantPolicy{AutomationEnabled: automated()},
			proposal:  proposal("flag_for_review", 0.95),
			wantState: domain.StateAutoApproved,
			wantEvent: audit.EventAutoApproved,
			queued:    1,
		},
		{
			name:      "high impact always awaits",
			policy:    config.TenantPolicy{AutomationEnabled: automated()},
			proposal:  proposal("update_price", 0.99),
			wantState: domain.StateAwaitingApproval,
			wantEvent: audit.EventAwaiting,
		},
		{
			name:      "automation disabled",
			policy:    config.TenantPolicy{},
			proposal:  proposal("flag_for_review", 0.95),
			wantState: domain.StateAwaitingApproval,
			wantEvent: audit.EventAwaiting,
		},
		{
			name:      "kind outside allow-list",
			policy:    config.TenantPolicy{AutomationEnabled: automated(), AllowedActions: []string{"send_notification"}},
			proposal:  proposal("flag_for_review", 0.95),
			wantState: domain.StateRejected,
			wantEvent: audit.EventPolicyRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy)
			exec, err := f.engine.Submit(context.Background(), "acme", tt.proposal)
			if err != nil {
				t.Fatal(err)
			}
			if exec.State != tt.wantState {
				t.Fatalf("state = %s, want %s", exec.State, tt.wantState)
			}
			if n := len(f.events(t, exec.ID, tt.wantEvent)); n != 1 {
				t.Errorf("%s audit entries = %d, want 1", tt.wantEvent, n)
			}
			if f.queue.len() != tt.queued {
				t.Errorf("queued = %d, want %d", f.queue.len(), tt.queued)
			}

			_, terr := f.store.Executions().Ticket(context.Background(), exec.ID)
			hasTicket := terr == nil
			if hasTicket != (tt.wantState == domain.StateAwaitingApproval) {
				t.Errorf("ticket present = %v for state %s", hasTicket, exec.State)
			}
		})
	}
}

func TestSubmit_InvalidProposal(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{})
	_, err := f.engine.Submit(context.Background(), "acme", domain.ActionProposal{ActionType: "drop_tables"})
	if !errors.Is(err, actions.ErrValidation) {
		t.Errorf("unknown kind err = %v, want ErrValidation", err)
	}
	bad := proposal("update_price", 0.9)
	bad.Parameters["new_price"] = -1.0
	if _, err := f.engine.Submit(context.Background(), "acme", bad); !errors.Is(err, actions.ErrValidation) {
		t.Errorf("schema err = %v, want ErrValidation", err)
	}
}

func TestSubmit_Ticket(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{ApprovalTTLSeconds: 3600})
	exec, err := f.engine.Submit(context.Background(), "acme", proposal("update_price", 0.4))
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := f.engine.Ticket(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := approval.Priority(actions.ImpactHigh, 0.4); ticket.Priority != want {
		t.Errorf("priority = %d, want %d", ticket.Priority, want)
	}
	if !ticket.ExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("expires_at = %v", ticket.ExpiresAt)
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated(), MaxActionsPerHour: 1})
	first, _ := f.engine.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95))
	second, err := f.engine.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95))
	if err != nil {
		t.Fatal(err)
	}
	if first.State != domain.StateAutoApproved || second.State != domain.StateAwaitingApproval {
		t.Fatalf("states = %s, %s", first.State, second.State)
	}
	entries := f.events(t, second.ID, audit.EventAwaiting)
	if len(entries) != 1 || entries[0].Details["reason"] != approval.ReasonRateLimited {
		t.Errorf("awaiting entry = %+v", entries)
	}
}

func TestAutoApprovedExecutes(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated()})
	sub, stop := f.bus.Subscribe("acme")
	defer stop()

	exec, err := f.engine.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95))
	if err != nil {
		t.Fatal(err)
	}
	if exec.State != domain.StateAutoApproved {
		t.Fatalf("state = %s", exec.State)
	}
	if err := f.engine.Execute(context.Background(), "acme", exec.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.runner.seen) != 1 || f.runner.seen[0] != domain.StateExecuting {
		t.Errorf("runner saw %v, want [executing]", f.runner.seen)
	}

	got, _ := f.engine.Get(context.Background(), "acme", exec.ID)
	if got.State != domain.StateCompleted || got.ExecutedAt == nil || got.CompletedAt == nil {
		t.Errorf("final execution = %+v", got)
	}

	var path []domain.ExecutionState
	for len(sub) > 0 {
		path = append(path, (<-sub).To)
	}
	want := []domain.ExecutionState{domain.StatePending, domain.StateAutoApproved, domain.StateExecuting, domain.StateCompleted}
	if len(path) != len(want) {
		t.Fatalf("event path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, path[i], want[i])
		}
	}
}

func TestReject_Idempotent(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{})
	exec, _ := f.engine.Submit(context.Background(), "acme", proposal("update_price", 0.5))

	for range 2 {
		got, err := f.engine.Reject(context.Background(), "acme", exec.ID, "alice", "too aggressive")
		if err != nil {
			t.Fatal(err)
		}
		if got.State != domain.StateRejected {
			t.Fatalf("state = %s", got.State)
		}
	}
	if n := len(f.events(t, exec.ID, audit.EventRejected)); n != 1 {
		t.Errorf("rejection audit entries = %d, want 1", n)
	}
	if _, err := f.engine.Ticket(context.Background(), exec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ticket should be closed, err = %v", err)
	}
	if _, err := f.engine.Approve(context.Background(), "acme", exec.ID, "bob"); !errors.Is(err, ErrApprovalRejected) {
		t.Errorf("approve after reject err = %v, want ErrApprovalRejected", err)
	}
	if err := f.engine.Execute(context.Background(), "acme", exec.ID); !errors.Is(err, ErrApprovalRejected) {
		t.Errorf("execute after reject err = %v, want ErrApprovalRejected", err)
	}
	if f.runner.calls != 0 {
		t.Errorf("runner called %d times after rejection", f.runner.calls)
	}
}

func TestApprove(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{})
	exec, _ := f.engine.Submit(context.Background(), "acme", proposal("update_price", 0.8))

	got, err := f.engine.Approve(context.Background(), "acme", exec.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateApproved || got.DecidedBy != "alice" || got.DecidedAt == nil {
		t.Errorf("approved execution = %+v", got)
	}
	if f.queue.len() != 1 {
		t.Errorf("queued = %d, want 1", f.queue.len())
	}
	if _, err := f.engine.Approve(context.Background(), "acme", exec.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second approve err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.engine.Approve(context.Background(), "globex", exec.ID, "mallory"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-tenant approve err = %v, want ErrNotFound", err)
	}
}

func TestApprove_Expired(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{ApprovalTTLSeconds: 60})
	exec, _ := f.engine.Submit(context.Background(), "acme", proposal("update_price", 0.8))

	f.engine.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	got, err := f.engine.Approve(context.Background(), "acme", exec.ID, "alice")
	if !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("err = %v, want ErrApprovalExpired", err)
	}
	if got.State != domain.StateRejected {
		t.Errorf("state = %s, want rejected", got.State)
	}
	if _, err := f.engine.Approve(context.Background(), "acme", exec.ID, "alice"); !errors.Is(err, ErrApprovalExpired) {
		t.Errorf("repeat approve err = %v, want ErrApprovalExpired", err)
	}
}

func TestExpireTickets(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{ApprovalTTLSeconds: 60, StaleApproval: "auto_approve"})
	low, _ := f.engine.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95))
	high, _ := f.engine.Submit(context.Background(), "acme", proposal("update_price", 0.95))

	if n, err := f.engine.ExpireTickets(context.Background()); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	f.engine.now = func() time.Time { return fixedNow.Add(time.Hour) }
	n, err := f.engine.ExpireTickets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}

	gotLow, _ := f.engine.Get(context.Background(), "acme", low.ID)
	gotHigh, _ := f.engine.Get(context.Background(), "acme", high.ID)
	if gotLow.State != domain.StateAutoApproved {
		t.Errorf("stale low impact = %s, want auto_approved", gotLow.State)
	}
	if gotHigh.State != domain.StateRejected {
		t.Errorf("stale high impact = %s, want rejected", gotHigh.State)
	}
	if f.queue.len() != 1 {
		t.Errorf("queued = %d, want 1", f.queue.len())
	}
	if len(f.events(t, high.ID, audit.EventExpired)) != 1 {
		t.Error("expiry not audited")
	}
}

func TestExecute_Retries(t *testing.T) {
	transient := errors.Join(executor.ErrTransient, errors.New("503"))
	tests := []struct {
		name      string
		errs      []error
		wantState domain.ExecutionState
		wantCalls int
	}{
		{"recovers after transient failures", []error{transient, transient, nil}, domain.StateCompleted, 3},
		{"permanent failure is not retried", []error{errors.New("400 bad request")}, domain.StateFailed, 1},
		{"gives up after max attempts", []error{transient}, domain.StateFailed, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated()})
			f.runner.applyErrs = tt.errs
			exec, _ := f.engine.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95))

			err := f.engine.Execute(context.Background(), "acme", exec.ID)
			if (tt.wantState == domain.StateFailed) != (err != nil) {
				t.Errorf("Execute err = %v", err)
			}
			if f.runner.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", f.runner.calls, tt.wantCalls)
			}
			got, _ := f.engine.Get(context.Background(), "acme", exec.ID)
			if got.State != tt.wantState {
				t.Errorf("state = %s, want %s", got.State, tt.wantState)
			}
			if failures := len(f.events(t, exec.ID, audit.EventAttemptFailed)); got.Attempts != failures {
				t.Errorf("attempts = %d, audited failures = %d", got.Attempts, failures)
			}
			if tt.wantState == domain.StateFailed && got.LastError == "" {
				t.Error("last error not recorded")
			}
		})
	}
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated()})

	exec, _ := f.engine.Submit(ctx, "acme", proposal("flag_for_review", 0.95))
	if _, err := f.engine.Rollback(ctx, "acme", exec.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("rollback before completion err = %v", err)
	}
	if err := f.engine.Execute(ctx, "acme", exec.ID); err != nil {
		t.Fatal(err)
	}

	f.runner.revertErr = errors.New("collaborator down")
	restored, err := f.engine.Rollback(ctx, "acme", exec.ID, "alice")
	if !errors.Is(err, executor.ErrRollbackFailed) {
		t.Fatalf("err = %v, want ErrRollbackFailed", err)
	}
	if restored.State != domain.StateCompleted {
		t.Errorf("state after failed rollback = %s, want completed", restored.State)
	}
	failed := f.events(t, exec.ID, audit.EventRollbackFailed)
	if len(failed) != 1 || audit.Severity(failed[0]) != audit.SeverityError {
		t.Errorf("rollback failure audit = %+v", failed)
	}

	f.runner.revertErr = nil
	got, err := f.engine.Rollback(ctx, "acme", exec.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateRolledBack {
		t.Errorf("state = %s", got.State)
	}

	notify, _ := f.engine.Submit(ctx, "acme", proposal("send_notification", 0.95))
	_ = f.engine.Execute(ctx, "acme", notify.ID)
	if _, err := f.engine.Rollback(ctx, "acme", notify.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("rollback of unsupported kind err = %v", err)
	}
}

func TestRollback_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated()})
	exec, _ := f.engine.Submit(ctx, "acme", proposal("flag_for_review", 0.95))
	if err := f.engine.Execute(ctx, "acme", exec.ID); err != nil {
		t.Fatal(err)
	}
	f.runner.revertDelay = 50 * time.Millisecond

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.Rollback(ctx, "acme", exec.ID, "alice")
		}()
	}
	wg.Wait()

	if f.runner.reverts != 1 {
		t.Fatalf("revert invoked %d times, want 1", f.runner.reverts)
	}
	ok, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
			refused++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || refused != 1 {
		t.Errorf("succeeded = %d, refused = %d", ok, refused)
	}
	got, _ := f.engine.Get(ctx, "acme", exec.ID)
	if got.State != domain.StateRolledBack {
		t.Errorf("state = %s", got.State)
	}
	if n := len(f.events(t, exec.ID, audit.EventRolledBack)); n != 1 {
		t.Errorf("rollback audit entries = %d, want 1", n)
	}
}

func TestReject_OnlyAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated()})

	auto, _ := f.engine.Submit(ctx, "acme", proposal("flag_for_review", 0.95))
	manual, _ := f.engine.Submit(ctx, "acme", proposal("update_price", 0.8))
	if _, err := f.engine.Approve(ctx, "acme", manual.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	for _, exec := range []*domain.ActionExecution{auto, manual} {
		got, err := f.engine.Reject(ctx, "acme", exec.ID, "bob", "changed my mind")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("reject of %s err = %v, want ErrInvalidTransition", got.State, err)
		}
		if len(f.events(t, exec.ID, audit.EventRejected)) != 0 {
			t.Error("refused rejection must not be audited")
		}
		if err := f.engine.Execute(ctx, "acme", exec.ID); err != nil {
			t.Errorf("approved execution must still run: %v", err)
		}
	}
}

func TestExecute_InterruptedResumes(t *testing.T) {
	f := newFixture(t, config.TenantPolicy{AutomationEnabled: automated()})
	f.engine.config.MaxAttempts = 5
	exec, _ := f.engine.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95))

	ctx, cancel := context.WithCancel(context.Background())
	f.runner.applyErrs = []error{errors.Join(executor.ErrTransient, errors.New("503")), nil}
	f.runner.onApply = cancel

	if err := f.engine.Execute(ctx, "acme", exec.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	got, _ := f.engine.Get(context.Background(), "acme", exec.ID)
	if got.State != domain.StateExecuting || got.Attempts != 1 {
		t.Fatalf("interrupted execution = %s after %d attempts, want executing after 1", got.State, got.Attempts)
	}
	if len(f.events(t, exec.ID, audit.EventFailed)) != 0 {
		t.Error("an interrupted execution must not be failed")
	}

	queued := f.queue.len()
	if n, err := f.engine.Recover(context.Background()); err != nil || n != 0 {
		t.Fatalf("recent executions must not be resumed: n=%d err=%v", n, err)
	}
	f.engine.now = func() time.Time { return fixedNow.Add(time.Hour) }
	if n, err := f.engine.Recover(context.Background()); err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if f.queue.len() != queued+1 || !f.queue.jobs[queued].Resume {
		t.Fatalf("resume job not queued: %+v", f.queue.jobs)
	}

	f.runner.onApply = nil
	payload, _ := json.Marshal(f.queue.jobs[queued])
	if _, err := f.engine.HandleJob(context.Background(), worker.Message{TenantID: "acme", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	got, _ = f.engine.Get(context.Background(), "acme", exec.ID)
	if got.State != domain.StateCompleted || f.runner.calls != 2 {
		t.Errorf("resumed execution = %s after %d calls", got.State, f.runner.calls)
	}
	if len(f.events(t, exec.ID, audit.EventResumed)) != 1 {
		t.Error("resume not audited")
	}
}

func TestSubmit_ReleasesSlotOnConflict(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	windows := store.ActionWindows()
	eng := New(
		conflictingStore{ExecutionStore: store.Executions(), target: domain.StateAutoApproved},
		audit.NewStoreLog(store.Audit(), logger),
		windows,
		config.TenantsConfig{Default: config.TenantPolicy{AutomationEnabled: automated()}}.For,
		&fakeRunner{},
		logger,
		Config{},
	)
	eng.now = func() time.Time { return fixedNow }

	if _, err := eng.Submit(context.Background(), "acme", proposal("flag_for_review", 0.95)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	hour, day, err := windows.Counts(context.Background(), "acme", fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if hour != 0 || day != 0 {
		t.Errorf("slot leaked: hour=%d day=%d", hour, day)
	}
}
