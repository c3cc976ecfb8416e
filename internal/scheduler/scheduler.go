// Package scheduler runs the periodic maintenance sweeps of Veritas, such as
// approval ticket expiry and cache purging, on cron schedules.
//
// Sweeps run in-process. A sweep still running when its next slot comes due
// is skipped, never run concurrently with itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc performs one sweep and returns the number of items it processed.
type SweepFunc func(ctx context.Context) (int, error)

type task struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      SweepFunc
	next     time.Time
	running  bool
}

// Scheduler polls its registered sweeps and fires the due ones.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	parser  cron.Parser
	poll    time.Duration
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// New creates a Scheduler that checks for due sweeps every poll interval.
// metrics may be nil.
func New(poll time.Duration, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if poll <= 0 {
		poll = time.Second
	}
	return &Scheduler{
		tasks:   make(map[string]*task),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		poll:    poll,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a sweep under a unique name. spec is a five-field cron
// expression or a descriptor such as "@every 1m" or "@hourly".
func (s *Scheduler) Add(name, spec string, run SweepFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("sweep %s already registered", name)
	}
	s.tasks[name] = &task{
		name:     name,
		spec:     spec,
		schedule: schedule,
		run:      run,
		next:     schedule.Next(s.now()),
	}
	s.order = append(s.order, name)
	return nil
}

// Next returns the next scheduled run of a sweep.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}

// Start begins the polling loop. The returned function stops it and waits
// for in-flight sweeps to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.InfoContext(ctx, "scheduler started",
			slog.Int("sweeps", len(s.order)),
			slog.String("poll_interval", s.poll.String()),
		)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		s.wg.Wait()
	}
}

// tick fires every due sweep that is not already running.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*task
	for _, name := range s.order {
		t := s.tasks[name]
		if now.Before(t.next) {
			continue
		}
		t.next = t.schedule.Next(now)
		if t.running {
			s.metrics.skipped(t.name)
			s.logger.WarnContext(ctx, "sweep still running, skipping slot", slog.String("sweep", t.name))
			continue
		}
		t.running = true
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				t.running = false
				s.mu.Unlock()
			}()
			_, _ = s.fire(ctx, t)
		}()
	}
}

// RunNow runs a sweep immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown sweep %s", name)
	}
	return s.fire(ctx, t)
}

func (s *Scheduler) fire(ctx context.Context, t *task) (n int, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "sweep panicked",
				slog.String("sweep", t.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("sweep %s panicked: %v", t.name, r)
		}
		s.metrics.observe(t.name, n, time.Since(start), err)
	}()

	n, err = t.run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed",
			slog.String("sweep", t.name),
			slog.String("error", err.Error()),
		)
		return n, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			slog.String("sweep", t.name),
			slog.Int("processed", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return n, nil
}
