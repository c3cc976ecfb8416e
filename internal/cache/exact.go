package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/veritas/internal/domain"
)

// MemoryExact is an in-process exact tier backed by an expirable LRU.
type MemoryExact struct {
	lru *expirable.LRU[string, domain.CacheEntry]
}

// NewMemoryExact creates an LRU with size entries and a fixed TTL.
func NewMemoryExact(size int, ttl time.Duration) *MemoryExact {
	return &MemoryExact{lru: expirable.NewLRU[string, domain.CacheEntry](size, nil, ttl)}
}

func (m *MemoryExact) Get(_ context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (m *MemoryExact) Set(_ context.Context, key string, entry *domain.CacheEntry, _ time.Duration) error {
	m.lru.Add(key, *entry)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryExact) Len() int { return m.lru.Len() }

// RedisExact stores exact-tier entries as JSON with SET ... EX.
type RedisExact struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisExact creates a Redis exact tier with keys under prefix.
func NewRedisExact(client redis.UniversalClient, prefix string) *RedisExact {
	return &RedisExact{client: client, prefix: prefix}
}

func (r *RedisExact) key(k string) string {
	return r.prefix + ":cache:" + k
}

func (r *RedisExact) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return &entry, true, nil
}

func (r *RedisExact) Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
