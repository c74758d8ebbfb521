package config

import (
	"fmt"

	"github.com/mwynn/mnemod/embedding"
	embollama "github.com/mwynn/mnemod/embedding/ollama"
	embopenai "github.com/mwynn/mnemod/embedding/openai"
)

// NewEmbeddingProvider builds an embedding provider from one store's
// embedding section.
func NewEmbeddingProvider(cfg *Config, ec EmbeddingConfig) (embedding.Provider, error) {
	switch ec.Provider {
	case "", "ollama":
		return embollama.NewProvider(embollama.Model(ec.Model))
	case "openai":
		return embopenai.NewProvider(cfg.OpenAIAPIKey, ec.BaseURL, ec.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", ec.Provider)
	}
}
