package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChain adapts a langchaingo chat model and embedder to Generator and
// Embedder.
type LangChain struct {
	model    llms.Model
	embedder embeddings.Embedder
}

var (
	_ Embedder  = (*LangChain)(nil)
	_ Generator = (*LangChain)(nil)
)

// NewLangChain wraps an existing model and embedder.
func NewLangChain(model llms.Model, embedder embeddings.Embedder) *LangChain {
	return &LangChain{model: model, embedder: embedder}
}

// NewLangChainOpenAI builds a LangChain collaborator on langchaingo's OpenAI
// client, which also speaks to OpenAI-compatible gateways.
func NewLangChainOpenAI(baseURL, apiKey, chatModel, embedModel string) (*LangChain, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(apiKey, "Bearer ")),
		openai.WithModel(chatModel),
		openai.WithEmbeddingModel(embedModel),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain openai: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("langchain embedder: %w", err)
	}
	return NewLangChain(client, emb), nil
}

// NewLangChainOllama builds a LangChain collaborator on a local Ollama server.
// Chat and embedding models are separate Ollama clients.
func NewLangChainOllama(serverURL, chatModel, embedModel string) (*LangChain, error) {
	chat, err := ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(chatModel))
	if err != nil {
		return nil, fmt.Errorf("langchain ollama: %w", err)
	}
	embedClient, err := ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(embedModel))
	if err != nil {
		return nil, fmt.Errorf("langchain ollama embeddings: %w", err)
	}
	emb, err := embeddings.NewEmbedder(embedClient)
	if err != nil {
		return nil, fmt.Errorf("langchain embedder: %w", err)
	}
	return NewLangChain(chat, emb), nil
}

// Embed returns the query embedding of text.
func (l *LangChain) Embed(ctx context.Context, text string) ([]float32, error) {
	if l.embedder == nil {
		return nil, errors.New("llm: no embedder configured")
	}
	v, err := l.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, providerError(err)
	}
	if len(v) == 0 {
		return nil, ErrEmptyResponse
	}
	return v, nil
}

// Generate maps the envelope onto langchaingo message content.
func (l *LangChain) Generate(ctx context.Context, env Envelope) (string, error) {
	msgs := make([]llms.MessageContent, 0, len(env.History)+2)
	if env.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, env.System))
	}
	for _, t := range env.History {
		role := llms.ChatMessageTypeHuman
		if t.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, t.Content))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, env.Prompt))

	resp, err := l.model.GenerateContent(ctx, msgs, llms.WithTemperature(0.2))
	if err != nil {
		return "", providerError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// langchaingo clients report HTTP failures only as text, e.g. "API returned
// unexpected status code: 401: ..." (openai) or "... (status code: 404)"
// (ollama).
var statusInText = regexp.MustCompile(`(?i)status(?:\s+code)?\s*[:=]?\s*(\d{3})\b`)

// Ollama rejects unknown models without a status in the message.
var rejectedInText = []string{"model not found", "not found, try pulling it", "invalid api key", "unauthorized"}

// providerError recovers the provider status from a langchaingo error so a
// rejected request unwraps to ErrBadRequest like the OpenAI client's
// StatusError. Context errors and unrecognised failures pass through.
func providerError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if m := statusInText.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && code >= 400 && code < 600 {
			return fmt.Errorf("%w: %w", &StatusError{Code: code, Body: msg}, err)
		}
	}
	lower := strings.ToLower(msg)
	for _, s := range rejectedInText {
		if strings.Contains(lower, s) {
			return fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
	}
	return err
}
