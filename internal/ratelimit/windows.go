package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Windows holds per-tenant hourly and daily action counters.
// Take is a single atomic check-and-increment across both windows: either both
// counters advance or neither does. Release returns a slot taken at the same
// instant; counters never go below zero.
type Windows interface {
	Take(ctx context.Context, tenantID string, now time.Time, perHour, perDay int) (bool, error)
	Release(ctx context.Context, tenantID string, at time.Time) error
	Counts(ctx context.Context, tenantID string, now time.Time) (hour, day int, err error)
}

// WindowKeys returns the hour and day bucket names of t.
func WindowKeys(t time.Time) (hour, day string) {
	t = t.UTC()
	return t.Format("2006-01-02T15"), t.Format("2006-01-02")
}

// MemoryWindows keeps counters in process.
type MemoryWindows struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryWindows creates empty in-process counters.
func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{counts: make(map[string]int)}
}

func (w *MemoryWindows) Take(_ context.Context, tenantID string, now time.Time, perHour, perDay int) (bool, error) {
	hour, day := WindowKeys(now)
	hk, dk := tenantID+"|"+hour, tenantID+"|"+day

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[hk] >= perHour || w.counts[dk] >= perDay {
		return false, nil
	}
	w.counts[hk]++
	w.counts[dk]++
	return true, nil
}

func (w *MemoryWindows) Release(_ context.Context, tenantID string, at time.Time) error {
	hour, day := WindowKeys(at)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range []string{tenantID + "|" + hour, tenantID + "|" + day} {
		if w.counts[k] > 0 {
			w.counts[k]--
		}
	}
	return nil
}

func (w *MemoryWindows) Counts(_ context.Context, tenantID string, now time.Time) (int, int, error) {
	hour, day := WindowKeys(now)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[tenantID+"|"+hour], w.counts[tenantID+"|"+day], nil
}

var takeScript = redis.NewScript(`
local h = tonumber(redis.call('GET', KEYS[1]) or '0')
local d = tonumber(redis.call('GET', KEYS[2]) or '0')
if h >= tonumber(ARGV[1]) or d >= tonumber(ARGV[2]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], 7200)
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], 172800)
return 1
`)

var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if tonumber(redis.call('GET', key) or '0') > 0 then
    redis.call('DECR', key)
  end
end
return 1
`)

// RedisWindows keeps counters in Redis, shared by every process.
type RedisWindows struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindows creates counters with keys under prefix.
func NewRedisWindows(client redis.UniversalClient, prefix string) *RedisWindows {
	return &RedisWindows{client: client, prefix: prefix}
}

func (w *RedisWindows) keys(tenantID string, now time.Time) []string {
	hour, day := WindowKeys(now)
	return []string{
		fmt.Sprintf("%s:actions:%s:h:%s", w.prefix, tenantID, hour),
		fmt.Sprintf("%s:actions:%s:d:%s", w.prefix, tenantID, day),
	}
}

func (w *RedisWindows) Take(ctx context.Context, tenantID string, now time.Time, perHour, perDay int) (bool, error) {
	res, err := takeScript.Run(ctx, w.client, w.keys(tenantID, now), perHour, perDay).Int64()
	if err != nil {
		return false, fmt.Errorf("redis take: %w", err)
	}
	return res == 1, nil
}

func (w *RedisWindows) Release(ctx context.Context, tenantID string, at time.Time) error {
	if err := releaseScript.Run(ctx, w.client, w.keys(tenantID, at)).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (w *RedisWindows) Counts(ctx context.Context, tenantID string, now time.Time) (int, int, error) {
	vals, err := w.client.MGet(ctx, w.keys(tenantID, now)...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis mget: %w", err)
	}
	out := [2]int{}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			_, _ = fmt.Sscan(s, &out[i])
		}
	}
	return out[0], out[1], nil
}
