package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_Burst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob should have an independent bucket: %v", err)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("x"); err != nil {
			t.Fatal(err)
		}
	}
}

func exerciseWindows(t *testing.T, w Windows) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		ok, err := w.Take(ctx, "t1", now, 2, 3)
		if err != nil || !ok {
			t.Fatalf("take %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := w.Take(ctx, "t1", now, 2, 3); ok {
		t.Fatal("hourly limit should block the third action")
	}

	next := now.Add(time.Hour)
	if ok, _ := w.Take(ctx, "t1", next, 2, 3); !ok {
		t.Fatal("new hour should admit one more action")
	}
	if ok, _ := w.Take(ctx, "t1", next, 2, 3); ok {
		t.Fatal("daily limit should block the fourth action")
	}
	h, d, err := w.Counts(ctx, "t1", next)
	if err != nil {
		t.Fatal(err)
	}
	if h != 1 || d != 3 {
		t.Errorf("counts = %d/%d, want 1/3", h, d)
	}

	if ok, _ := w.Take(ctx, "t2", now, 2, 3); !ok {
		t.Fatal("tenants must not share counters")
	}

	if err := w.Release(ctx, "t1", next); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if h, d, _ := w.Counts(ctx, "t1", next); h != 0 || d != 2 {
		t.Errorf("after release counts = %d/%d, want 0/2", h, d)
	}
	if err := w.Release(ctx, "t1", next); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if h, d, _ := w.Counts(ctx, "t1", next); h != 0 || d != 1 {
		t.Errorf("hour counter must stay at zero: counts = %d/%d, want 0/1", h, d)
	}
	if ok, _ := w.Take(ctx, "t1", next, 2, 3); !ok {
		t.Fatal("a released slot must be reusable")
	}
}

func TestMemoryWindows(t *testing.T) {
	exerciseWindows(t, NewMemoryWindows())
}

func TestRedisWindows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseWindows(t, NewRedisWindows(client, "test"))
}

func TestMemoryWindows_Concurrent(t *testing.T) {
	w := NewMemoryWindows()
	now := time.Now()
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := w.Take(context.Background(), "t", now, 10, 100); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 10 {
		t.Fatalf("granted %d, want 10", granted.Load())
	}
}
