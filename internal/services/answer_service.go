// Package services – AnswerService
//
// This file implements the grounded answer pipeline:
//
//  1. validate the question and load the conversation memory,
//  2. embed the question and retrieve similar chunks,
//  3. short-circuit with a fixed reply when nothing qualifies,
//  4. otherwise prompt the generator with the tagged chunks,
//  5. keep only the citations that point at supplied chunks,
//  6. record the exchange through ConversationService.
//
// Nothing is written before step 6, so any earlier failure leaves the
// conversation exactly as it was.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/rag"
	"github.com/tbourn/course-rag-backend/internal/search"
)

// DefaultMaxQuestionRunes bounds question length when MaxQuestionRunes is 0.
const DefaultMaxQuestionRunes = 2000

// AnswerRequest is a question asked inside a conversation. An empty
// ConversationID starts a new conversation.
type AnswerRequest struct {
	UserID         string
	ConversationID string
	Question       string
	Category       string // optional filter hint
	Week           int    // optional filter hint, 0 for any
}

// AnswerResult is the recorded assistant reply.
type AnswerResult struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	Content        string          `json:"content"`
	Sources        []domain.Source `json:"sources"`
	Grounded       bool            `json:"grounded"`
	Intent         rag.Intent      `json:"intent"`
}

// SearchRequest is a stateless similarity query. Zero values take the
// service defaults.
type SearchRequest struct {
	Query     string
	Limit     int
	Threshold *float64
	Category  string
	Week      int
}

// AnswerService composes grounded answers with validated citations.
type AnswerService struct {
	Index     search.Index
	Embedder  llm.Embedder
	Generator llm.Generator
	Memory    *ConversationService

	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration

	// Threshold and Limit override the retrieval defaults when non-zero.
	Threshold        float64
	Limit            int
	MaxQuestionRunes int
}

func (s *AnswerService) tracer() trace.Tracer {
	return otel.Tracer("services/AnswerService")
}

// Answer runs the full pipeline for a question in a conversation and records
// both the question and the reply.
func (s *AnswerService) Answer(ctx context.Context, req AnswerRequest) (*AnswerResult, error) {
	ctx, span := s.tracer().Start(ctx, "Answer",
		trace.WithAttributes(attribute.String("conversation.id", req.ConversationID)),
	)
	defer span.End()

	question, err := s.validateQuestion(req.Question)
	if err != nil {
		return nil, err
	}
	if err := validateFilters(req.Category, req.Week); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}

	var mem MemoryContext
	if req.ConversationID != "" {
		if _, err := s.Memory.owned(ctx, req.ConversationID, req.UserID); err != nil {
			return nil, err
		}
		if mem, err = s.Memory.BuildContext(ctx, req.ConversationID); err != nil {
			return nil, err
		}
	}

	res, err := s.compose(ctx, question, req.Category, req.Week, mem)
	if err != nil {
		span.RecordError(err)
		answersTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	conv, msgs, err := s.Memory.Record(ctx, req.UserID, req.ConversationID,
		NewMessage{Role: domain.RoleUser, Content: question},
		NewMessage{Role: domain.RoleAssistant, Content: res.Content, Sources: res.Sources},
	)
	if err != nil {
		span.RecordError(err)
		answersTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	res.ConversationID = conv.ID
	res.MessageID = msgs[len(msgs)-1].ID
	answersTotal.WithLabelValues(outcome(res)).Inc()
	return res, nil
}

// Ask answers a single question without conversation memory. Nothing is
// persisted.
func (s *AnswerService) Ask(ctx context.Context, question, category string, week int) (*AnswerResult, error) {
	ctx, span := s.tracer().Start(ctx, "Ask")
	defer span.End()

	q, err := s.validateQuestion(question)
	if err != nil {
		return nil, err
	}
	if err := validateFilters(category, week); err != nil {
		return nil, err
	}
	res, err := s.compose(ctx, q, category, week, MemoryContext{})
	if err != nil {
		answersTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	answersTotal.WithLabelValues(outcome(res)).Inc()
	return res, nil
}

// Search embeds req.Query and returns the qualifying chunks as sources, most
// similar first.
func (s *AnswerService) Search(ctx context.Context, req SearchRequest) ([]domain.Source, error) {
	ctx, span := s.tracer().Start(ctx, "Search")
	defer span.End()

	q, err := s.validateQuestion(req.Query)
	if err != nil {
		return nil, err
	}
	if err := validateFilters(req.Category, req.Week); err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if req.Threshold != nil && (*req.Threshold < -1 || *req.Threshold > 1) {
		return nil, invalid("threshold", "must be within [-1, 1]")
	}

	vec, err := s.embed(ctx, q)
	if err != nil {
		return nil, err
	}
	opts := s.queryOptions(req.Category, req.Week)
	if req.Limit > 0 {
		opts = append(opts, search.WithLimit(req.Limit))
	}
	if req.Threshold != nil {
		opts = append(opts, search.WithThreshold(*req.Threshold))
	}
	hits, err := s.retrieve(ctx, vec, opts)
	if err != nil {
		return nil, err
	}
	return rag.SourcesOf(hits), nil
}

// compose runs retrieval and generation. It never writes.
func (s *AnswerService) compose(ctx context.Context, question, category string, week int, mem MemoryContext) (*AnswerResult, error) {
	log := zerolog.Ctx(ctx)

	vec, err := s.embed(ctx, question)
	if err != nil {
		return nil, err
	}
	chunks, err := s.retrieve(ctx, vec, s.queryOptions(category, week))
	if err != nil {
		return nil, err
	}

	hasHistory := len(mem.Recent) > 0 || mem.Summary != ""
	intent := rag.DetectIntent(question, hasHistory)

	if len(chunks) == 0 {
		log.Debug().Str("intent", string(intent)).Msg("no grounding found")
		return &AnswerResult{
			Content:  rag.NoGroundingAnswer,
			Sources:  []domain.Source{},
			Grounded: false,
			Intent:   intent,
		}, nil
	}

	env := rag.Build(rag.PromptInput{
		Question: question,
		Summary:  mem.Summary,
		Recent:   mem.Turns(),
		Chunks:   chunks,
		Intent:   intent,
	})

	gctx, cancel := withTimeout(ctx, s.GenerateTimeout)
	defer cancel()
	start := time.Now()
	reply, err := s.Generator.Generate(gctx, env)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = llm.ErrEmptyResponse
	}
	if err = observeCall(ErrGeneration, start, err); err != nil {
		log.Warn().Err(err).Msg("generation failed")
		return nil, err
	}

	cited := rag.Resolve(rag.ParseCitations(reply), chunks)
	log.Debug().
		Str("intent", string(intent)).
		Int("chunks", len(chunks)).
		Int("citations", len(cited)).
		Msg("answer composed")

	return &AnswerResult{
		Content:  strings.TrimSpace(reply),
		Sources:  rag.SourcesOf(cited),
		Grounded: true,
		Intent:   intent,
	}, nil
}

func (s *AnswerService) embed(ctx context.Context, text string) ([]float32, error) {
	ectx, cancel := withTimeout(ctx, s.EmbedTimeout)
	defer cancel()
	start := time.Now()
	vec, err := s.Embedder.Embed(ectx, text)
	if err == nil && len(vec) == 0 {
		err = llm.ErrEmptyResponse
	}
	if err = observeCall(ErrEmbedding, start, err); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("embedding failed")
		return nil, err
	}
	return vec, nil
}

func (s *AnswerService) retrieve(ctx context.Context, vec []float32, opts []search.QueryOption) ([]search.Result, error) {
	hits, err := s.Index.Search(ctx, search.NewQuery(vec, opts...))
	if errors.Is(err, search.ErrDimensionMismatch) {
		return nil, invalid("embedding", fmt.Sprintf("query dimension %d does not match the index", len(vec)))
	}
	if err != nil {
		return nil, err
	}
	retrievalResults.Observe(float64(len(hits)))
	return hits, nil
}

func (s *AnswerService) queryOptions(category string, week int) []search.QueryOption {
	opts := []search.QueryOption{search.WithCategory(category), search.WithWeek(week)}
	if s.Threshold != 0 {
		opts = append(opts, search.WithThreshold(s.Threshold))
	}
	if s.Limit > 0 {
		opts = append(opts, search.WithLimit(s.Limit))
	}
	return opts
}

func (s *AnswerService) validateQuestion(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", invalid("question", "must not be empty")
	}
	limit := s.MaxQuestionRunes
	if limit <= 0 {
		limit = DefaultMaxQuestionRunes
	}
	if utf8.RuneCountInString(q) > limit {
		return "", invalid("question", fmt.Sprintf("longer than %d characters", limit))
	}
	return q, nil
}

func validateFilters(category string, week int) error {
	if category != "" && !domain.ValidCategory(category) {
		return invalid("category", "must be theory or lab")
	}
	if week < 0 || week > 52 {
		return invalid("week", "must be within 1..52")
	}
	return nil
}

func outcome(r *AnswerResult) string {
	if r.Grounded {
		return "grounded"
	}
	return "no_grounding"
}
