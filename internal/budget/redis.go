package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL outlives the period so late releases still find their counter.
const counterTTL = 48 * time.Hour

var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
local lim = tonumber(ARGV[2])
if cur + amt > lim then
  return 0
end
redis.call('INCRBY', KEYS[1], amt)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = cur - tonumber(ARGV[1])
if v < 0 then v = 0 end
redis.call('SET', KEYS[1], v, 'EX', ARGV[2])
return v
`)

// RedisStore keeps counters in Redis. Each operation is one Lua script, so
// check-and-increment is atomic across processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store with keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s:budget:%s:%s", s.prefix, key.TenantID, key.Period)
}

func (s *RedisStore) Reserve(ctx context.Context, key Key, amount, limit int64) (bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.redisKey(key)},
		amount, limit, int64(counterTTL.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key Key, amount int64) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)},
		amount, int64(counterTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (s *RedisStore) Reserved(ctx context.Context, key Key) (int64, error) {
	v, err := s.client.Get(ctx, s.redisKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}
