package cache

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jkaninda/veritas/internal/domain"
)

// SemanticIndex is a tenant-partitioned, bounded vector index. Each tenant
// gets its own expirable LRU so one tenant cannot evict another's entries.
type SemanticIndex struct {
	size int
	ttl  time.Duration

	mu      sync.Mutex
	tenants map[string]*expirable.LRU[string, domain.CacheEntry]
}

// NewSemanticIndex creates an index holding up to size entries per tenant.
func NewSemanticIndex(size int, ttl time.Duration) *SemanticIndex {
	return &SemanticIndex{
		size:    size,
		ttl:     ttl,
		tenants: make(map[string]*expirable.LRU[string, domain.CacheEntry]),
	}
}

func (s *SemanticIndex) partition(tenantID string, create bool) *expirable.LRU[string, domain.CacheEntry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tenants[tenantID]
	if !ok && create {
		p = expirable.NewLRU[string, domain.CacheEntry](s.size, nil, s.ttl)
		s.tenants[tenantID] = p
	}
	return p
}

// Add indexes entry. Entries without an embedding are ignored.
func (s *SemanticIndex) Add(entry *domain.CacheEntry) {
	if entry.Embedding == nil {
		return
	}
	s.partition(entry.TenantID, true).Add(entry.PromptFingerprint, *entry)
}

// Search returns the most similar entry of tenantID whose embedding tags
// equal the query's and whose similarity is at least threshold.
func (s *SemanticIndex) Search(tenantID string, query *domain.Embedding, threshold float64) (*domain.CacheEntry, float64) {
	p := s.partition(tenantID, false)
	if p == nil || query == nil {
		return nil, 0
	}

	var best *domain.CacheEntry
	bestScore := -1.0
	for _, candidate := range p.Values() {
		emb := candidate.Embedding
		if emb == nil || emb.Model != query.Model || emb.Dim != query.Dim || len(emb.Vector) != len(query.Vector) {
			continue
		}
		score := Cosine(query.Vector, emb.Vector)
		if score >= threshold && score > bestScore {
			c := candidate
			best, bestScore = &c, score
		}
	}
	if best == nil {
		return nil, 0
	}
	// Refresh recency of the winner.
	p.Get(best.PromptFingerprint)
	return best, bestScore
}

// Len returns the number of entries indexed for tenantID.
func (s *SemanticIndex) Len(tenantID string) int {
	p := s.partition(tenantID, false)
	if p == nil {
		return 0
	}
	return p.Len()
}

// Cosine returns the cosine similarity of a and b, 0 when undefined.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
