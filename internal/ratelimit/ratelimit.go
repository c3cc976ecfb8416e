// Package ratelimit implements request limiting for the operator API and the
// hourly/daily action counters used by the Safe Action Engine.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a principal has exhausted its request allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the per-principal request limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-principal token bucket limiter.
// Each principal gets an independent bucket; one cannot exhaust another's quota.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

// Allow consumes one token for the principal. Returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(principal string) error {
	if l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	now := time.Now()
	v, ok := l.visitors[principal]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[principal] = v
	}
	v.lastSeen = now
	lim := v.limiter
	l.mu.Unlock()

	if !lim.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Prune drops principals idle for longer than the idle window.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.idle)
	n := 0
	for k, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, k)
			n++
		}
	}
	return n
}
