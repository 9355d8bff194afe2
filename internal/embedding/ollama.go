package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Ollama embeds texts with a locally hosted model.
type Ollama struct {
	client  *api.Client
	model   string
	timeout time.Duration
	reqLock *semaphore.Weighted
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewOllama creates an Ollama embedder. An empty URL uses the client's
// default host. APIKey, when set, is sent as a bearer token for proxied
// deployments.
func NewOllama(cfg domain.EmbeddingConfig) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, errors.New("ollama embedding model is required")
	}

	u := &url.URL{Scheme: "http", Host: "127.0.0.1:11434"}
	if cfg.URL != "" {
		parsed, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama url: %w", err)
		}
		u = parsed
	}

	httpClient := http.DefaultClient
	if cfg.APIKey != "" {
		httpClient = &http.Client{
			Transport: &headerTransport{
				headers: map[string]string{"Authorization": "Bearer " + cfg.APIKey},
				rt:      http.DefaultTransport,
			},
		}
	}

	return &Ollama{
		client:  api.NewClient(u, httpClient),
		model:   cfg.Model,
		timeout: timeoutOf(cfg),
		reqLock: semaphore.NewWeighted(concurrencyOf(cfg)),
	}, nil
}

// Embed sends all texts in one /api/embed call.
func (c *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.client.Embed(rCtx, &api.EmbedRequest{
		Model: c.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if err := checkCount(len(res.Embeddings), len(texts)); err != nil {
		return nil, err
	}
	return res.Embeddings, nil
}
