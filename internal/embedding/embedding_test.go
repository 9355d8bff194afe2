package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestOpenAIEmbed(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		// Deliberately out of order: results are placed by index.
		_, _ = io.WriteString(w, `{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.0, 1.0]},
				{"object": "embedding", "index": 0, "embedding": [1.0, 0.0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`)
	}))
	defer srv.Close()

	client, err := NewOpenAI(domain.EmbeddingConfig{
		Model:  "text-embedding-3-small",
		URL:    srv.URL + "/",
		APIKey: "test-key",
	}, option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewOpenAI failed: %v", err)
	}

	vectors, err := client.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("expected vectors placed by index, got %v", vectors)
	}
	if gotBody["model"] != "text-embedding-3-small" {
		t.Errorf("expected model in request, got %v", gotBody["model"])
	}
	if input, ok := gotBody["input"].([]any); !ok || len(input) != 2 {
		t.Errorf("expected both texts in one request, got %v", gotBody["input"])
	}
}

func TestOpenAIEmbedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error": {"message": "boom", "type": "server_error"}}`)
	}))
	defer srv.Close()

	client, err := NewOpenAI(domain.EmbeddingConfig{Model: "m", URL: srv.URL + "/", APIKey: "k"}, option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewOpenAI failed: %v", err)
	}
	if _, err := client.Embed(context.Background(), []string{"x"}); err == nil {
		t.Error("expected error for provider failure")
	}
}

func TestOpenAISizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`)
	}))
	defer srv.Close()

	client, _ := NewOpenAI(domain.EmbeddingConfig{Model: "m", URL: srv.URL + "/", APIKey: "k"}, option.WithMaxRetries(0))
	if _, err := client.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error when provider returns fewer vectors")
	}
}

func TestOllamaEmbed(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		embeddings := make([][]float32, len(req.Input))
		for i := range req.Input {
			embeddings[i] = []float32{float32(i), 0.5}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      req.Model,
			"embeddings": embeddings,
		})
	}))
	defer srv.Close()

	client, err := NewOllama(domain.EmbeddingConfig{Model: "nomic-embed-text", URL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOllama failed: %v", err)
	}

	vectors, err := client.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	if vectors[2][0] != 2 || vectors[2][1] != 0.5 {
		t.Errorf("unexpected vector: %v", vectors[2])
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestOllamaInvalidURL(t *testing.T) {
	if _, err := NewOllama(domain.EmbeddingConfig{Model: "m", URL: "http://[::1"}); err == nil {
		t.Error("expected error for invalid url")
	}
}

// countingEmbedder returns [len(text)] for each text and counts calls.
type countingEmbedder struct {
	calls atomic.Int32
	texts atomic.Int32
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	e.texts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	c := NewCached(inner, cache.NewLRUCache(100), "m1", time.Minute, nil)

	first, err := c.Embed(ctx, []string{"ab", "abcd"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if first[0][0] != 2 || first[1][0] != 4 {
		t.Errorf("unexpected vectors: %v", first)
	}

	t.Run("OnlyMissesReachProvider", func(t *testing.T) {
		second, err := c.Embed(ctx, []string{"abcd", "xyz", "ab"})
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if second[0][0] != 4 || second[1][0] != 3 || second[2][0] != 2 {
			t.Errorf("unexpected vectors: %v", second)
		}
		if inner.calls.Load() != 2 {
			t.Errorf("expected 2 provider calls, got %d", inner.calls.Load())
		}
		if inner.texts.Load() != 3 {
			t.Errorf("expected 3 texts sent in total, got %d", inner.texts.Load())
		}
	})

	t.Run("AllHitsSkipProvider", func(t *testing.T) {
		before := inner.calls.Load()
		if _, err := c.Embed(ctx, []string{"ab", "xyz"}); err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if inner.calls.Load() != before {
			t.Error("expected no provider call when every text is cached")
		}
	})

	t.Run("ModelsDoNotShareEntries", func(t *testing.T) {
		other := &countingEmbedder{}
		shared := cache.NewLRUCache(100)
		_, _ = NewCached(inner, shared, "m1", time.Minute, nil).Embed(ctx, []string{"q"})
		_, _ = NewCached(other, shared, "m2", time.Minute, nil).Embed(ctx, []string{"q"})
		if other.calls.Load() != 1 {
			t.Errorf("expected second model to miss, got %d calls", other.calls.Load())
		}
	})

	t.Run("ProviderErrorPropagates", func(t *testing.T) {
		failing := NewCached(&countingEmbedder{err: errors.New("down")}, cache.NewLRUCache(10), "m", time.Minute, nil)
		if _, err := failing.Embed(ctx, []string{"new"}); err == nil {
			t.Error("expected provider error")
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("DisabledProvider", func(t *testing.T) {
		e, err := New(domain.EmbeddingConfig{}, nil, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if e != nil {
			t.Errorf("expected nil embedder, got %T", e)
		}
	})

	t.Run("UnsupportedProvider", func(t *testing.T) {
		if _, err := New(domain.EmbeddingConfig{Provider: "cohere"}, nil, nil); err == nil {
			t.Error("expected error for unsupported provider")
		}
	})

	t.Run("MissingModel", func(t *testing.T) {
		if _, err := New(domain.EmbeddingConfig{Provider: ProviderOllama}, nil, nil); err == nil {
			t.Error("expected error for missing model")
		}
	})

	t.Run("CachedWhenTTLSet", func(t *testing.T) {
		e, err := New(domain.EmbeddingConfig{Provider: ProviderOpenAI, Model: "m", APIKey: "k", CacheTTL: 60}, cache.NewLRUCache(10), nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := e.(*Cached); !ok {
			t.Errorf("expected *Cached, got %T", e)
		}
	})

	t.Run("UncachedWithoutTTL", func(t *testing.T) {
		e, err := New(domain.EmbeddingConfig{Provider: ProviderOllama, Model: "m"}, cache.NewLRUCache(10), nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := e.(*Ollama); !ok {
			t.Errorf("expected *Ollama, got %T", e)
		}
	})
}
