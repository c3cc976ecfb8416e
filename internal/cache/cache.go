// Package cache implements the two-tier reasoning cache: an exact tier keyed by
// prompt fingerprint and a semantic tier searched by embedding similarity.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// Tier identifies which cache tier produced a hit.
type Tier string

const (
	TierExact    Tier = "exact"
	TierSemantic Tier = "semantic"
)

// Embedder is the embedding collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) (*domain.Embedding, error)
}

// ExactBackend stores exact-tier entries by key.
type ExactBackend interface {
	Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) error
}

// Fingerprint is the exact-tier key: SHA-256 over tenant, sanitized prompt and template version.
func Fingerprint(tenantID, sanitizedPrompt, templateVersion string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(templateVersion))
	h.Write([]byte{0})
	h.Write([]byte(sanitizedPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

// Config configures the cache tiers.
type Config struct {
	ExactTTL       time.Duration
	SemanticTTL    time.Duration
	EmbeddingModel string
	EmbeddingDim   int
}

// Result is the outcome of a lookup. Entry is nil on a miss. Query carries
// the prompt embedding so the write path can reuse it.
type Result struct {
	Entry      *domain.CacheEntry
	Tier       Tier
	Similarity float64
	Query      *domain.Embedding
}

// Hit reports whether the lookup found an entry.
func (r *Result) Hit() bool { return r != nil && r.Entry != nil }

// Cache composes the two tiers. Persist and embedder are optional.
type Cache struct {
	cfg      Config
	exact    ExactBackend
	semantic *SemanticIndex
	embedder Embedder
	persist  storage.CacheEntryStore
	logger   *slog.Logger
}

// New creates a Cache.
func New(cfg Config, exact ExactBackend, semantic *SemanticIndex, embedder Embedder, persist storage.CacheEntryStore, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:      cfg,
		exact:    exact,
		semantic: semantic,
		embedder: embedder,
		persist:  persist,
		logger:   logger,
	}
}

// Compatible reports whether emb was produced by the configured embedding model.
func (c *Cache) Compatible(emb *domain.Embedding) bool {
	return emb != nil &&
		emb.Model == c.cfg.EmbeddingModel &&
		emb.Dim == c.cfg.EmbeddingDim &&
		len(emb.Vector) == emb.Dim
}

// Lookup searches the exact tier, then the semantic tier. Backend and
// embedding failures are logged and treated as misses.
func (c *Cache) Lookup(ctx context.Context, tenantID, fingerprint, prompt string, threshold float64) *Result {
	res := &Result{}
	if c.exact != nil {
		entry, ok, err := c.exact.Get(ctx, fingerprint)
		if err != nil {
			c.logger.WarnContext(ctx, "exact cache lookup failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
		} else if ok && entry.TenantID == tenantID {
			res.Entry, res.Tier, res.Similarity = entry, TierExact, 1
			c.touch(ctx, entry)
			return res
		}
	}

	if c.semantic == nil || c.embedder == nil {
		return res
	}
	query, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.logger.WarnContext(ctx, "embedding failed, skipping semantic cache",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return res
	}
	if !c.Compatible(query) {
		c.logger.WarnContext(ctx, "embedding model mismatch, skipping semantic cache",
			slog.String("tenant_id", tenantID),
			slog.String("model", query.Model),
			slog.Int("dim", query.Dim),
		)
		return res
	}
	res.Query = query

	if entry, score := c.semantic.Search(tenantID, query, threshold); entry != nil {
		res.Entry, res.Tier, res.Similarity = entry, TierSemantic, score
		c.touch(ctx, entry)
	}
	return res
}

func (c *Cache) touch(ctx context.Context, entry *domain.CacheEntry) {
	entry.UsageCount++
	if c.persist == nil {
		return
	}
	if err := c.persist.IncrementUsage(ctx, entry.TenantID, entry.PromptFingerprint); err != nil {
		c.logger.WarnContext(ctx, "cache usage update failed", slog.String("error", err.Error()))
	}
}

// Store writes entry to both tiers and persists it. query is the prompt
// embedding from Lookup; when nil the prompt is embedded here. Writes are
// last-write-wins.
func (c *Cache) Store(ctx context.Context, entry *domain.CacheEntry, prompt string, query *domain.Embedding) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.TTL == 0 {
		entry.TTL = c.cfg.ExactTTL
	}

	if c.exact != nil {
		if err := c.exact.Set(ctx, entry.PromptFingerprint, entry, c.cfg.ExactTTL); err != nil {
			c.logger.WarnContext(ctx, "exact cache write failed",
				slog.String("tenant_id", entry.TenantID),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.semantic != nil {
		if query == nil && c.embedder != nil {
			emb, err := c.embedder.Embed(ctx, prompt)
			if err != nil {
				c.logger.WarnContext(ctx, "embedding failed, semantic tier not written", slog.String("error", err.Error()))
			} else {
				query = emb
			}
		}
		if c.Compatible(query) {
			entry.Embedding = query
			c.semantic.Add(entry)
		}
	}

	if c.persist != nil {
		if err := c.persist.Upsert(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Purge removes expired persisted entries. In-memory tiers expire on their own.
func (c *Cache) Purge(ctx context.Context, now time.Time) (int64, error) {
	if c.persist == nil {
		return 0, nil
	}
	return c.persist.PurgeExpired(ctx, now)
}
