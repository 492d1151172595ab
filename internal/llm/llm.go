// Package llm defines the model collaborators used by the answer pipeline
// (embedding, generation, and conversation summarization) and provides
// implementations backed by an OpenAI-compatible HTTP API, by langchaingo,
// and by a local extractive summarizer.
//
// Implementations never retry and never log; callers bound every call with a
// context deadline and decide how failures surface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrBadRequest marks a request the provider rejected as invalid. Retrying
// the same request will not help.
var ErrBadRequest = errors.New("llm: request rejected by provider")

// ErrEmptyResponse is returned when the provider answered without content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Turn is one message of prior conversation passed to a model.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Envelope is a fully assembled generation request.
type Envelope struct {
	System  string
	History []Turn
	Prompt  string
}

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces a completion for an Envelope.
type Generator interface {
	Generate(ctx context.Context, env Envelope) (string, error)
}

// Summarizer folds turns into a running summary of a conversation.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, folded []Turn) (string, error)
}

// StatusError reports a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.Code, e.Body)
}

// Unwrap lets errors.Is(err, ErrBadRequest) match client errors other than
// rate limiting.
func (e *StatusError) Unwrap() error {
	if e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests {
		return ErrBadRequest
	}
	return nil
}
