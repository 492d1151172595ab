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

// Retrieval defaults for material generation. They are looser than the
// answer defaults: a topic is broader than a question.
const (
	DefaultGenerateThreshold = 0.4
	DefaultGenerateLimit     = 5
	maxAudienceRunes         = 80
)

// GenerateRequest asks for teaching material on a topic.
type GenerateRequest struct {
	Topic    string
	Audience string // empty: undergraduate
	Category string
	Week     int
}

// GenerateResult is generated notes, slides and lab code plus the chunks
// they were grounded on.
type GenerateResult struct {
	Topic    string          `json:"topic"`
	Audience string          `json:"audience"`
	Notes    string          `json:"notes"`
	Slides   string          `json:"slides"`
	LabCode  rag.LabCode     `json:"lab_code"`
	Sources  []domain.Source `json:"sources"`
	Grounded bool            `json:"grounded"`
}

// GenerateService produces lecture notes, slides and lab code for a topic
// from the retrieved course context. It shares embedding, retrieval and the
// generator with Answers and never writes.
type GenerateService struct {
	Answers *AnswerService

	// Threshold and Limit default to DefaultGenerateThreshold and
	// DefaultGenerateLimit when zero.
	Threshold float64
	Limit     int
}

func (s *GenerateService) tracer() trace.Tracer {
	return otel.Tracer("services/GenerateService")
}

// Generate retrieves context for req.Topic and asks the generator for
// material. Without qualifying chunks it still generates, marked ungrounded.
// A reply that is not the requested JSON fails as a retryable generation
// error.
func (s *GenerateService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	ctx, span := s.tracer().Start(ctx, "Generate")
	defer span.End()

	topic, audience, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if err := validateFilters(req.Category, req.Week); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("generate.audience", audience))

	a := s.Answers
	vec, err := a.embed(ctx, topic)
	if err != nil {
		generationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	chunks, err := a.retrieve(ctx, vec, s.queryOptions(req.Category, req.Week))
	if err != nil {
		generationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	gctx, cancel := withTimeout(ctx, a.GenerateTimeout)
	defer cancel()
	start := time.Now()
	reply, err := a.Generator.Generate(gctx, rag.BuildMaterial(topic, audience, chunks))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = llm.ErrEmptyResponse
	}
	var mat rag.Material
	if err == nil {
		mat, err = rag.ParseMaterial(reply)
	}
	if err = observeCall(ErrGeneration, start, err); err != nil {
		span.RecordError(err)
		generationsTotal.WithLabelValues("error").Inc()
		zerolog.Ctx(ctx).Warn().Err(err).
			Bool("malformed", errors.Is(err, rag.ErrMalformedMaterial)).
			Msg("material generation failed")
		return nil, err
	}

	res := &GenerateResult{
		Topic:    topic,
		Audience: audience,
		Notes:    strings.TrimSpace(mat.Notes),
		Slides:   strings.TrimSpace(mat.Slides),
		LabCode:  mat.LabCode,
		Sources:  rag.SourcesOf(chunks),
		Grounded: len(chunks) > 0,
	}
	if res.Grounded {
		generationsTotal.WithLabelValues("grounded").Inc()
	} else {
		generationsTotal.WithLabelValues("no_grounding").Inc()
	}
	return res, nil
}

func (s *GenerateService) validate(req GenerateRequest) (topic, audience string, err error) {
	topic = strings.TrimSpace(req.Topic)
	if topic == "" {
		return "", "", invalid("topic", "must not be empty")
	}
	limit := s.Answers.MaxQuestionRunes
	if limit <= 0 {
		limit = DefaultMaxQuestionRunes
	}
	if utf8.RuneCountInString(topic) > limit {
		return "", "", invalid("topic", fmt.Sprintf("longer than %d characters", limit))
	}
	audience = strings.TrimSpace(req.Audience)
	if audience == "" {
		audience = rag.DefaultAudience
	}
	if utf8.RuneCountInString(audience) > maxAudienceRunes {
		return "", "", invalid("audience", fmt.Sprintf("longer than %d characters", maxAudienceRunes))
	}
	return topic, audience, nil
}

func (s *GenerateService) queryOptions(category string, week int) []search.QueryOption {
	threshold, limit := s.Threshold, s.Limit
	if threshold == 0 {
		threshold = DefaultGenerateThreshold
	}
	if limit <= 0 {
		limit = DefaultGenerateLimit
	}
	return []search.QueryOption{
		search.WithCategory(category),
		search.WithWeek(week),
		search.WithThreshold(threshold),
		search.WithLimit(limit),
	}
}
