package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// OpenAI embeds texts through any OpenAI-compatible /embeddings endpoint.
type OpenAI struct {
	client  openai.Client
	model   string
	timeout time.Duration
	reqLock *semaphore.Weighted
}

// NewOpenAI creates an OpenAI embedder. URL overrides the API base URL.
func NewOpenAI(cfg domain.EmbeddingConfig, opts ...option.RequestOption) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai embedding model is required")
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.URL != "" {
		options = append(options, option.WithBaseURL(cfg.URL))
	}
	options = append(options, opts...)

	return &OpenAI{
		client:  openai.NewClient(options...),
		model:   cfg.Model,
		timeout: timeoutOf(cfg),
		reqLock: semaphore.NewWeighted(concurrencyOf(cfg)),
	}, nil
}

// Embed sends all texts in one request and returns vectors in input order.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.client.Embeddings.New(rCtx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if err := checkCount(len(res.Data), len(texts)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, item := range res.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("embedding index out of range: %d", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		out[idx] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}
