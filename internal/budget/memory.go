package budget

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process. A single mutex linearizes every operation.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]int64
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[Key]int64)}
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, amount, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[key]+amount > limit {
		return false, nil
	}
	s.counters[key] += amount
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key Key, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.counters[key] - amount
	if v < 0 {
		v = 0
	}
	s.counters[key] = v
	return nil
}

func (s *MemoryStore) Reserved(_ context.Context, key Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}
