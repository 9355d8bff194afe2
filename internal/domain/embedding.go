package domain

import "context"

// Embedder turns texts into vectors, one per input, in input order.
// Calls are best-effort: callers must tolerate any error.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "", "openai" or "ollama". Empty disables semantic scoring.
	Provider string

	Model  string
	URL    string
	APIKey string

	// TimeoutSecs bounds a single provider call.
	TimeoutSecs int

	// MaxConcurrent limits in-flight provider requests.
	MaxConcurrent int64

	// CacheTTL caches vectors by text in the shared cache (seconds, 0 = off).
	CacheTTL int
}
