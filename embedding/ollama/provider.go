// Package ollama provides an embedding.Provider backed by a local Ollama server.
package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/mwynn/mnemod/embedding"
	"github.com/mwynn/mnemod/memerr"
)

// Model names an Ollama embedding model.
type Model string

const (
	ModelMXBAI   Model = "mxbai-embed-large"
	ModelNomic   Model = "nomic-embed-text"
	ModelGranite Model = "granite-embedding"
)

type provider struct {
	client *api.Client
	model  Model
}

// NewProvider creates an embedding provider using the OLLAMA_HOST environment
// for connection details.
func NewProvider(model Model) (embedding.Provider, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &provider{client: cli, model: model}, nil
}

func (p *provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: string(p.model),
		Input: text,
	})
	if err != nil {
		return nil, memerr.NewProviderError(fmt.Sprintf("ollama embed (%s)", p.model), err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, memerr.NewProviderError(fmt.Sprintf("ollama embed (%s): empty response", p.model), nil)
	}
	return resp.Embeddings[0], nil
}
