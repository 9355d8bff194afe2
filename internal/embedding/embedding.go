// Package embedding provides domain.Embedder implementations backed by
// OpenAI-compatible and Ollama embedding APIs, plus a caching decorator.
package embedding

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxConcurrent = 4
)

// New builds the configured embedder. An empty provider returns a nil
// Embedder, which disables semantic scoring. When cfg.CacheTTL > 0 and cache
// is non-nil, vectors are cached by model and text.
func New(cfg domain.EmbeddingConfig, cache domain.Cache, logger *slog.Logger) (domain.Embedder, error) {
	var (
		inner domain.Embedder
		err   error
	)

	switch cfg.Provider {
	case "":
		return nil, nil
	case ProviderOpenAI:
		inner, err = NewOpenAI(cfg)
	case ProviderOllama:
		inner, err = NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cache != nil && cfg.CacheTTL > 0 {
		return NewCached(inner, cache, cfg.Model, time.Duration(cfg.CacheTTL)*time.Second, logger), nil
	}
	return inner, nil
}

func timeoutOf(cfg domain.EmbeddingConfig) time.Duration {
	if cfg.TimeoutSecs > 0 {
		return time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return defaultTimeout
}

func concurrencyOf(cfg domain.EmbeddingConfig) int64 {
	if cfg.MaxConcurrent > 0 {
		return cfg.MaxConcurrent
	}
	return defaultMaxConcurrent
}

// checkCount verifies a provider returned one vector per input.
func checkCount(got, want int) error {
	if got != want {
		return fmt.Errorf("embedding result size mismatch: got %d want %d", got, want)
	}
	return nil
}

var (
	_ domain.Embedder = (*OpenAI)(nil)
	_ domain.Embedder = (*Ollama)(nil)
	_ domain.Embedder = (*Cached)(nil)
)
