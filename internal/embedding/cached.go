package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Cached looks vectors up in a shared cache before calling the wrapped
// embedder, and only sends the misses. Cache failures degrade to misses.
type Cached struct {
	inner  domain.Embedder
	cache  domain.Cache
	model  string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps inner. model namespaces keys so vectors from different
// models never mix.
func NewCached(inner domain.Embedder, cache domain.Cache, model string, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{inner: inner, cache: cache, model: model, ttl: ttl, logger: logger}
}

// Embed implements domain.Embedder.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)

	for i, text := range texts {
		if vec := c.lookup(ctx, text); vec != nil {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(vectors), len(missing)); err != nil {
		return nil, err
	}

	for j, vec := range vectors {
		out[slots[j]] = vec
		c.store(ctx, missing[j], vec)
	}
	return out, nil
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.model + ":" + hex.EncodeToString(sum[:])
}

func (c *Cached) lookup(ctx context.Context, text string) []float32 {
	raw, err := c.cache.Get(ctx, domain.CacheNamespaceEmbedding, c.key(text))
	if err != nil {
		c.logger.Debug("embedding cache read failed", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil
	}
	return vec
}

func (c *Cached) store(ctx context.Context, text string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, domain.CacheNamespaceEmbedding, c.key(text), raw, c.ttl); err != nil {
		c.logger.Debug("embedding cache write failed", "error", err)
	}
}
