package llm

import (
	"fmt"

	"github.com/tbourn/course-rag-backend/internal/config"
)

// Collaborators bundles the three model roles used by the services.
type Collaborators struct {
	Embedder   Embedder
	Generator  Generator
	Summarizer Summarizer
}

// FromConfig wires the provider and summarizer selected in cfg.
func FromConfig(cfg config.LLMConfig) (Collaborators, error) {
	var (
		emb Embedder
		gen Generator
	)
	switch cfg.Provider {
	case "openai":
		c := NewOpenAI(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			ChatModel:  cfg.ChatModel,
			EmbedModel: cfg.EmbedModel,
			Dimensions: cfg.EmbeddingDim,
			Timeout:    cfg.GenerateTimeout,
		})
		emb, gen = c, c
	case "langchain":
		c, err := NewLangChainOpenAI(cfg.BaseURL, cfg.APIKey, cfg.ChatModel, cfg.EmbedModel)
		if err != nil {
			return Collaborators{}, err
		}
		emb, gen = c, c
	case "ollama":
		c, err := NewLangChainOllama(cfg.BaseURL, cfg.ChatModel, cfg.EmbedModel)
		if err != nil {
			return Collaborators{}, err
		}
		emb, gen = c, c
	default:
		return Collaborators{}, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	var sum Summarizer
	switch cfg.Summarizer {
	case "extractive":
		sum = NewFrequencySummarizer()
	default:
		sum = &LLMSummarizer{Gen: gen}
	}
	return Collaborators{Embedder: emb, Generator: gen, Summarizer: sum}, nil
}
