// Package circuit implements a per-(tenant, provider) circuit breaker.
//
// closed --(threshold consecutive failures within window)--> open
// open --(cooldown elapsed)--> half_open, admitting exactly one probe
// half_open --success--> closed, --failure--> open
package circuit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
)

// Config holds breaker thresholds.
type Config struct {
	Threshold int           // Default: 5
	Window    time.Duration // Default: 1m
	Cooldown  time.Duration // Default: 30s
}

func (c Config) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return 5
}

func (c Config) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return time.Minute
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return 30 * time.Second
}

// TransitionFunc observes state changes. It is called with the breaker lock
// held and must not call back into the Breaker.
type TransitionFunc func(tenantID, provider string, from, to domain.CircuitStatus)

type key struct {
	tenant   string
	provider string
}

type entry struct {
	state        domain.CircuitStatus
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probeAt      time.Time
	probing      bool
}

// Breaker owns all circuit state. It is safe for concurrent use.
type Breaker struct {
	cfg          Config
	now          func() time.Time
	onTransition TransitionFunc
	logger       *slog.Logger

	mu     sync.Mutex
	states map[key]*entry
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a state change observer.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a Breaker.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		states: make(map[key]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) get(k key) *entry {
	e, ok := b.states[k]
	if !ok {
		e = &entry{state: domain.CircuitClosed}
		b.states[k] = e
	}
	return e
}

func (b *Breaker) transition(k key, e *entry, to domain.CircuitStatus) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	b.logger.Info("circuit state changed",
		slog.String("tenant_id", k.tenant),
		slog.String("provider", k.provider),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if b.onTransition != nil {
		b.onTransition(k.tenant, k.provider, from, to)
	}
}

// Allow reports whether a call to provider may proceed for tenant.
// In half_open exactly one caller is admitted until it reports a result.
// A probe that never reports is abandoned after one cooldown.
func (b *Breaker) Allow(tenantID, provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{tenantID, provider}
	e := b.get(k)
	now := b.now()

	switch e.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if now.Sub(e.openedAt) < b.cfg.cooldown() {
			return false
		}
		b.transition(k, e, domain.CircuitHalfOpen)
		e.probing = true
		e.probeAt = now
		return true
	default:
		if e.probing && now.Sub(e.probeAt) < b.cfg.cooldown() {
			return false
		}
		e.probing = true
		e.probeAt = now
		return true
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess(tenantID, provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{tenantID, provider}
	e := b.get(k)
	e.failures = 0
	e.probing = false
	if e.state != domain.CircuitClosed {
		b.transition(k, e, domain.CircuitClosed)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure(tenantID, provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{tenantID, provider}
	e := b.get(k)
	now := b.now()

	switch e.state {
	case domain.CircuitHalfOpen:
		e.probing = false
		e.openedAt = now
		b.transition(k, e, domain.CircuitOpen)
	case domain.CircuitClosed:
		if e.failures == 0 || now.Sub(e.firstFailure) > b.cfg.window() {
			e.failures = 0
			e.firstFailure = now
		}
		e.failures++
		if e.failures >= b.cfg.threshold() {
			e.openedAt = now
			b.transition(k, e, domain.CircuitOpen)
		}
	}
}

// State returns a snapshot of one circuit.
func (b *Breaker) State(tenantID, provider string) domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(key{tenantID, provider}, b.get(key{tenantID, provider}))
}

// States returns every known circuit of tenant, ordered by provider.
func (b *Breaker) States(tenantID string) []domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.CircuitState
	for k, e := range b.states {
		if k.tenant == tenantID {
			out = append(out, snapshot(k, e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func snapshot(k key, e *entry) domain.CircuitState {
	st := domain.CircuitState{
		TenantID:            k.tenant,
		Provider:            k.provider,
		State:               e.state,
		ConsecutiveFailures: e.failures,
	}
	if e.state != domain.CircuitClosed {
		opened := e.openedAt
		st.OpenedAt = &opened
	}
	return st
}
