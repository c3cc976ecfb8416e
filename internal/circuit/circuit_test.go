package circuit

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, hook TransitionFunc) *Breaker {
	opts := []Option{WithClock(clock.Now)}
	if hook != nil {
		opts = append(opts, WithTransitionHook(hook))
	}
	return New(Config{Threshold: 3, Window: time.Minute, Cooldown: 10 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestBreaker_Transitions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	var transitions []string
	b := newTestBreaker(clock, func(_, _ string, from, to domain.CircuitStatus) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	for i := 0; i < 3; i++ {
		if !b.Allow("acme", "anthropic") {
			t.Fatalf("call %d should be allowed while closed", i)
		}
		b.RecordFailure("acme", "anthropic")
	}
	if st := b.State("acme", "anthropic"); st.State != domain.CircuitOpen || st.OpenedAt == nil {
		t.Fatalf("expected open circuit, got %+v", st)
	}
	if b.Allow("acme", "anthropic") {
		t.Fatal("open circuit must reject during cooldown")
	}

	clock.Advance(10 * time.Second)
	if !b.Allow("acme", "anthropic") {
		t.Fatal("first call after cooldown should be the probe")
	}
	if b.Allow("acme", "anthropic") {
		t.Fatal("only one probe may be admitted in half_open")
	}

	b.RecordFailure("acme", "anthropic")
	if st := b.State("acme", "anthropic"); st.State != domain.CircuitOpen {
		t.Fatalf("failed probe should reopen, got %s", st.State)
	}

	clock.Advance(10 * time.Second)
	if !b.Allow("acme", "anthropic") {
		t.Fatal("probe expected")
	}
	b.RecordSuccess("acme", "anthropic")
	if st := b.State("acme", "anthropic"); st.State != domain.CircuitClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("successful probe should close, got %+v", st)
	}

	want := []string{"closed->open", "open->half_open", "half_open->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_FailuresOutsideWindowReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, nil)

	b.RecordFailure("acme", "openai")
	b.RecordFailure("acme", "openai")
	clock.Advance(2 * time.Minute)
	b.RecordFailure("acme", "openai")

	if st := b.State("acme", "openai"); st.State != domain.CircuitClosed || st.ConsecutiveFailures != 1 {
		t.Fatalf("stale failures should not count, got %+v", st)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)

	b.RecordFailure("acme", "openai")
	b.RecordFailure("acme", "openai")
	b.RecordSuccess("acme", "openai")
	b.RecordFailure("acme", "openai")
	b.RecordFailure("acme", "openai")
	if st := b.State("acme", "openai"); st.State != domain.CircuitClosed {
		t.Fatalf("failures must be consecutive, got %s", st.State)
	}
}

func TestBreaker_TenantIsolation(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure("acme", "anthropic")
	}
	if !b.Allow("globex", "anthropic") {
		t.Fatal("another tenant's circuit must be unaffected")
	}
	if !b.Allow("acme", "openai") {
		t.Fatal("another provider's circuit must be unaffected")
	}
	states := b.States("acme")
	if len(states) != 2 || states[0].Provider != "anthropic" {
		t.Fatalf("unexpected states: %+v", states)
	}
}

func TestBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure("acme", "anthropic")
	}
	clock.Advance(11 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow("acme", "anthropic") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 1 {
		t.Fatalf("admitted %d probes, want 1", admitted.Load())
	}
}

func TestBreaker_AbandonedProbe(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure("acme", "anthropic")
	}
	clock.Advance(10 * time.Second)
	if !b.Allow("acme", "anthropic") {
		t.Fatal("probe expected")
	}
	clock.Advance(10 * time.Second)
	if !b.Allow("acme", "anthropic") {
		t.Fatal("an unreported probe should be replaced after a cooldown")
	}
}
