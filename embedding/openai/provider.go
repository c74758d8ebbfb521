// Package openai provides an embedding.Provider backed by the OpenAI
// embeddings API (or any API-compatible endpoint via a custom base URL).
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mwynn/mnemod/embedding"
	"github.com/mwynn/mnemod/memerr"
)

type provider struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
}

// NewProvider creates an OpenAI embedding provider. baseURL may be empty for
// the official API. The model string must name an embedding model, e.g.
// "text-embedding-3-small".
func NewProvider(apiKey, baseURL, model string) (embedding.Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedding provider: missing API key")
	}
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &provider{
		client: goopenai.NewClientWithConfig(cfg),
		model:  goopenai.EmbeddingModel(model),
	}, nil
}

func (p *provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: p.model,
	})
	if err != nil {
		return nil, memerr.NewProviderError(fmt.Sprintf("openai embed (%s)", p.model), err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, memerr.NewProviderError(fmt.Sprintf("openai embed (%s): empty response", p.model), nil)
	}
	return resp.Data[0].Embedding, nil
}
