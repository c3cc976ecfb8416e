package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage/memory"
)

type stubEmbedder struct {
	vectors map[string][]float32
	model   string
	err     error
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) (*domain.Embedding, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.vectors[text]
	if !ok {
		v = []float32{0, 0, 1}
	}
	return &domain.Embedding{Vector: v, Model: s.model, Dim: len(v)}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() Config {
	return Config{ExactTTL: time.Hour, SemanticTTL: 24 * time.Hour, EmbeddingModel: "embed-v1", EmbeddingDim: 3}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("acme", "prompt", "v1")
	if a != Fingerprint("acme", "prompt", "v1") {
		t.Fatal("fingerprint must be deterministic")
	}
	for _, other := range []string{
		Fingerprint("globex", "prompt", "v1"),
		Fingerprint("acme", "prompt", "v2"),
		Fingerprint("acme", "prompt2", "v1"),
	} {
		if other == a {
			t.Fatal("tenant, prompt and template version must all change the key")
		}
	}
}

func TestCache_ExactHit(t *testing.T) {
	store := memory.New()
	c := New(testConfig(), NewMemoryExact(10, time.Hour), NewSemanticIndex(10, time.Hour), nil, store.CacheEntries(), discard())
	ctx := context.Background()
	fp := Fingerprint("acme", "p", "v1")

	if res := c.Lookup(ctx, "acme", fp, "p", 0.9); res.Hit() {
		t.Fatal("empty cache should miss")
	}
	entry := &domain.CacheEntry{TenantID: "acme", PromptFingerprint: fp, ResponseText: "answer", Confidence: 0.8, TemplateID: "explain", TemplateVersion: "v1"}
	if err := c.Store(ctx, entry, "p", nil); err != nil {
		t.Fatal(err)
	}

	res := c.Lookup(ctx, "acme", fp, "p", 0.9)
	if !res.Hit() || res.Tier != TierExact || res.Entry.ResponseText != "answer" {
		t.Fatalf("expected exact hit, got %+v", res)
	}

	usage, err := store.CacheEntries().TemplateUsage(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 || usage[0].Hits != 1 {
		t.Fatalf("usage not persisted: %+v", usage)
	}
}

func TestCache_SemanticHitAndThreshold(t *testing.T) {
	emb := &stubEmbedder{model: "embed-v1", vectors: map[string][]float32{
		"original":   {1, 0, 0},
		"paraphrase": {0.99, 0.1, 0},
		"unrelated":  {0, 1, 0},
	}}
	c := New(testConfig(), NewMemoryExact(10, time.Hour), NewSemanticIndex(10, time.Hour), emb, nil, discard())
	ctx := context.Background()

	entry := &domain.CacheEntry{TenantID: "acme", PromptFingerprint: Fingerprint("acme", "original", "v1"), ResponseText: "cached"}
	if err := c.Store(ctx, entry, "original", nil); err != nil {
		t.Fatal(err)
	}

	res := c.Lookup(ctx, "acme", Fingerprint("acme", "paraphrase", "v1"), "paraphrase", 0.92)
	if !res.Hit() || res.Tier != TierSemantic || res.Similarity < 0.92 {
		t.Fatalf("expected semantic hit, got %+v", res)
	}
	if res := c.Lookup(ctx, "acme", Fingerprint("acme", "unrelated", "v1"), "unrelated", 0.92); res.Hit() {
		t.Fatal("dissimilar prompt must miss")
	}
	if res := c.Lookup(ctx, "globex", Fingerprint("globex", "paraphrase", "v1"), "paraphrase", 0.92); res.Hit() {
		t.Fatal("semantic tier must be tenant-partitioned")
	}
}

func TestCache_EmbeddingModelIsolation(t *testing.T) {
	idx := NewSemanticIndex(10, time.Hour)
	vec := []float32{1, 0, 0}

	// An entry written under a different embedding model with an identical vector.
	idx.Add(&domain.CacheEntry{
		TenantID: "acme", PromptFingerprint: "old",
		ResponseText: "from old model",
		Embedding:    &domain.Embedding{Vector: vec, Model: "embed-v0", Dim: 3},
	})

	if entry, _ := idx.Search("acme", &domain.Embedding{Vector: vec, Model: "embed-v1", Dim: 3}, 0.5); entry != nil {
		t.Fatal("entries from another embedding model must never match")
	}
	if entry, _ := idx.Search("acme", &domain.Embedding{Vector: []float32{1, 0, 0, 0}, Model: "embed-v0", Dim: 4}, 0.5); entry != nil {
		t.Fatal("entries with another dimension must never match")
	}

	// The cache refuses queries from a model other than the configured one.
	emb := &stubEmbedder{model: "embed-v0", vectors: map[string][]float32{"q": vec}}
	c := New(testConfig(), nil, idx, emb, nil, discard())
	if res := c.Lookup(context.Background(), "acme", "fp", "q", 0.5); res.Hit() {
		t.Fatal("query from a non-configured model must not hit")
	}
}

func TestCache_EmbedderFailureIsMiss(t *testing.T) {
	emb := &stubEmbedder{model: "embed-v1", err: errors.New("embedding service down")}
	c := New(testConfig(), NewMemoryExact(10, time.Hour), NewSemanticIndex(10, time.Hour), emb, nil, discard())
	res := c.Lookup(context.Background(), "acme", "fp", "q", 0.9)
	if res.Hit() {
		t.Fatal("embedding failure must be a miss")
	}
	entry := &domain.CacheEntry{TenantID: "acme", PromptFingerprint: "fp", ResponseText: "x"}
	if err := c.Store(context.Background(), entry, "q", nil); err != nil {
		t.Fatalf("store should degrade to exact tier only: %v", err)
	}
	if res := c.Lookup(context.Background(), "acme", "fp", "q", 0.9); !res.Hit() || res.Tier != TierExact {
		t.Fatal("exact tier should still serve")
	}
}

func TestCache_StoreReusesQueryEmbedding(t *testing.T) {
	emb := &stubEmbedder{model: "embed-v1", vectors: map[string][]float32{"q": {1, 0, 0}}}
	c := New(testConfig(), NewMemoryExact(10, time.Hour), NewSemanticIndex(10, time.Hour), emb, nil, discard())
	ctx := context.Background()

	res := c.Lookup(ctx, "acme", "fp", "q", 0.9)
	if res.Query == nil {
		t.Fatal("lookup should return the query embedding")
	}
	entry := &domain.CacheEntry{TenantID: "acme", PromptFingerprint: "fp", ResponseText: "x"}
	if err := c.Store(ctx, entry, "q", res.Query); err != nil {
		t.Fatal(err)
	}
	if emb.calls != 1 {
		t.Fatalf("embedder called %d times, want 1", emb.calls)
	}
}

func TestSemanticIndex_BoundedPerTenant(t *testing.T) {
	idx := NewSemanticIndex(2, time.Hour)
	for _, fp := range []string{"a", "b", "c"} {
		idx.Add(&domain.CacheEntry{TenantID: "acme", PromptFingerprint: fp,
			Embedding: &domain.Embedding{Vector: []float32{1, 0}, Model: "m", Dim: 2}})
	}
	idx.Add(&domain.CacheEntry{TenantID: "globex", PromptFingerprint: "z",
		Embedding: &domain.Embedding{Vector: []float32{1, 0}, Model: "m", Dim: 2}})

	if idx.Len("acme") != 2 {
		t.Fatalf("acme has %d entries, want 2", idx.Len("acme"))
	}
	if idx.Len("globex") != 1 {
		t.Fatal("another tenant's writes must not evict")
	}
}

func TestRedisExact(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedisExact(client, "test")
	ctx := context.Background()
	entry := &domain.CacheEntry{TenantID: "acme", PromptFingerprint: "fp", ResponseText: "hello", Confidence: 0.7}
	if err := r.Set(ctx, "fp", entry, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := r.Get(ctx, "fp")
	if err != nil || !ok || got.ResponseText != "hello" {
		t.Fatalf("get: %+v %v %v", got, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := r.Get(ctx, "fp"); ok {
		t.Fatal("entry should expire")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got < 0.9999 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched lengths: %v", got)
	}
}
