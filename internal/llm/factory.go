package llm

import (
	"fmt"

	"github.com/afslabs/companion/internal/config"
)

// NewFromConfig builds the full fallback chain from configuration. The chain
// order follows cfg.LLM.FallbackOrder; each named backend carries its own
// timeout, retry, and temperature policy.
func NewFromConfig(cfg *config.Config) (*MultiBackendClient, error) {
	var specs []BackendSpec
	for _, name := range cfg.FallbackBackends() {
		switch name {
		case config.BackendAPI:
			specs = append(specs, BackendSpec{
				Name: name,
				Generator: NewOpenAIClient(OpenAIConfig{
					APIKey:  cfg.LLM.APIKey,
					Model:   cfg.LLM.APIModel,
					BaseURL: cfg.LLM.APIBaseURL,
					Timeout: cfg.LLM.API.Timeout,
				}),
				Timeout:     cfg.LLM.API.Timeout,
				MaxRetries:  cfg.LLM.API.MaxRetries,
				Temperature: cfg.LLM.API.Temperature,
			})
		case config.BackendLocal:
			specs = append(specs, BackendSpec{
				Name:        name,
				Generator:   newLocalClient(cfg),
				Timeout:     cfg.LLM.Local.Timeout,
				MaxRetries:  cfg.LLM.Local.MaxRetries,
				Temperature: cfg.LLM.Local.Temperature,
			})
		default:
			return nil, &config.ConfigError{Field: "llm.fallback_order", Reason: fmt.Sprintf("unknown backend %q", name)}
		}
	}
	return NewMultiBackendClient(specs)
}

// NewEmbeddingFromConfig builds the embedding backend. Embeddings always run
// against the local Ollama instance; the hosted API is reserved for text
// generation.
func NewEmbeddingFromConfig(cfg *config.Config) EmbeddingGenerator {
	return newLocalClient(cfg)
}

func newLocalClient(cfg *config.Config) *OllamaClient {
	return NewOllamaClient(OllamaConfig{
		BaseURL:    cfg.LLM.OllamaURL,
		Model:      cfg.LLM.OllamaModel,
		EmbedModel: cfg.Embedding.Model,
		Timeout:    cfg.LLM.Local.Timeout,
	})
}
