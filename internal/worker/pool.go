package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// Handler processes one message and returns the id of what it produced.
type Handler func(ctx context.Context, msg Message) (resultID string, err error)

// Observer is notified after every handled message.
type Observer func(kind string, d time.Duration, err error)

// Pool submits jobs and runs handlers on a fixed number of workers.
// Job status is persisted so callers can poll for completion.
type Pool struct {
	queue    Queue
	jobs     storage.JobStore
	workers  int
	logger   *slog.Logger
	observer Observer

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewPool creates a pool over queue. jobs may be nil when no handle is needed.
func NewPool(queue Queue, jobs storage.JobStore, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:    queue,
		jobs:     jobs,
		workers:  workers,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler of a job kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Observe registers a callback run after each message.
func (p *Pool) Observe(fn Observer) {
	p.observer = fn
}

// Submit persists a queued job and enqueues its message. The returned job is
// the handle the caller polls.
func (p *Pool) Submit(ctx context.Context, tenantID, kind string, payload any) (*domain.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Kind:      kind,
		Status:    domain.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.jobs != nil {
		if err := p.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("creating job: %w", err)
		}
	}

	msg := Message{JobID: job.ID, TenantID: tenantID, Kind: kind, Payload: data, Enqueued: now}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		p.finish(context.WithoutCancel(ctx), job.ID, domain.JobFailed, "", err)
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	return job, nil
}

// Run starts the workers and blocks until ctx is cancelled or a queue fails.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", slog.Int("workers", p.workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error {
			return p.work(gctx, i)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("dequeue failed",
				slog.Int("worker", id),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, msg)
	}
}

// process runs one message. Handler panics are recovered and recorded as
// job failures so a single bad message cannot stop a worker.
func (p *Pool) process(ctx context.Context, msg Message) {
	p.mu.RLock()
	h, ok := p.handlers[msg.Kind]
	p.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("no handler for job kind %q", msg.Kind)
		p.logger.Error("dropping message", slog.String("job_id", msg.JobID.String()), slog.String("error", err.Error()))
		p.finish(ctx, msg.JobID, domain.JobFailed, "", err)
		return
	}

	p.finish(ctx, msg.JobID, domain.JobRunning, "", nil)
	start := time.Now()

	resultID, err := func() (id string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				p.logger.Error("job handler panicked",
					slog.String("kind", msg.Kind),
					slog.String("job_id", msg.JobID.String()),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		return h(ctx, msg)
	}()

	if p.observer != nil {
		p.observer(msg.Kind, time.Since(start), err)
	}
	if err != nil {
		p.logger.Warn("job failed",
			slog.String("kind", msg.Kind),
			slog.String("job_id", msg.JobID.String()),
			slog.String("tenant_id", msg.TenantID),
			slog.String("error", err.Error()),
		)
		p.finish(context.WithoutCancel(ctx), msg.JobID, domain.JobFailed, resultID, err)
		return
	}
	p.finish(context.WithoutCancel(ctx), msg.JobID, domain.JobSucceeded, resultID, nil)
}

func (p *Pool) finish(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, resultID string, jobErr error) {
	if p.jobs == nil || jobID == uuid.Nil {
		return
	}
	var msg string
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if err := p.jobs.Update(ctx, jobID, status, resultID, msg); err != nil {
		p.logger.Warn("updating job status",
			slog.String("job_id", jobID.String()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}
