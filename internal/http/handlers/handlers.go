package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/http/middleware"
	"github.com/tbourn/course-rag-backend/internal/repo"
	"github.com/tbourn/course-rag-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// ConversationService manages conversations and their memory.
type ConversationService interface {
	Create(ctx context.Context, userID, title string) (*domain.Conversation, error)
	Get(ctx context.Context, conversationID, userID string) (*domain.Conversation, []domain.ChatMessage, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error)
	ListMessagesPage(ctx context.Context, conversationID, userID string, page, pageSize int) ([]domain.ChatMessage, int64, error)
	UpdateTitle(ctx context.Context, userID, conversationID, title string) error
	Delete(ctx context.Context, conversationID, userID string) error
	ContextFor(ctx context.Context, conversationID, userID string) (services.MemoryContext, error)
}

// AnswerService composes grounded answers.
type AnswerService interface {
	Answer(ctx context.Context, req services.AnswerRequest) (*services.AnswerResult, error)
	Ask(ctx context.Context, question, category string, week int) (*services.AnswerResult, error)
	Search(ctx context.Context, req services.SearchRequest) ([]domain.Source, error)
}

// GenerateService produces teaching material for a topic.
type GenerateService interface {
	Generate(ctx context.Context, req services.GenerateRequest) (*services.GenerateResult, error)
}

// MaterialService is the course material registry.
type MaterialService interface {
	Register(ctx context.Context, in services.MaterialInput) (*domain.CourseMaterial, error)
	Get(ctx context.Context, id string) (*domain.CourseMaterial, error)
	List(ctx context.Context, f repo.MaterialFilter) ([]domain.CourseMaterial, error)
	ListChunks(ctx context.Context, id string) ([]domain.DocumentChunk, error)
	Delete(ctx context.Context, id string) error
}

// IngestService runs the ingestion pipeline.
type IngestService interface {
	Ingest(ctx context.Context, materialID string, force bool) (*services.IngestResult, error)
	IngestAll(ctx context.Context, force bool) ([]services.IngestResult, error)
	IndexStatus(ctx context.Context) (services.IndexStatus, error)
}

//
// Handler wiring
//

// Services bundles the dependencies of Handlers.
type Services struct {
	Conversations ConversationService
	Answers       AnswerService
	Generate      GenerateService
	Materials     MaterialService
	Ingest        IngestService
}

// Handlers groups every API endpoint. DB backs weak ETags and idempotent
// replays; with a nil DB both are skipped.
type Handlers struct {
	db  *gorm.DB
	svc Services

	// IdempotencyTTL is how long a stored answer can be replayed.
	IdempotencyTTL time.Duration
}

// New constructs Handlers bound to db and svc.
func New(db *gorm.DB, svc Services) *Handlers {
	return &Handlers{db: db, svc: svc, IdempotencyTTL: 24 * time.Hour}
}

//
// Helpers
//

// userID returns the caller identity resolved by middleware.Auth, falling
// back to the X-User-ID header when the handler is mounted without it.
func userID(c *gin.Context) string {
	if uid := middleware.UserID(c); uid != "" {
		return uid
	}
	if c.Request != nil {
		return strings.TrimSpace(c.GetHeader(middleware.HeaderUserID))
	}
	return ""
}

// requireUser aborts with 401 when the request carries no identity.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return "", false
	}
	return uid, true
}

// uuidParam validates a UUID path parameter.
func uuidParam(c *gin.Context, name, label string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, label+" id must be a UUID")
		return "", false
	}
	return id, true
}

// weakETag sets a weak ETag built from a collection's size and newest
// timestamp and reports whether If-None-Match already matches it.
func weakETag(c *gin.Context, kind, scope string, count int64, newest *time.Time) bool {
	var ts int64
	if newest != nil {
		ts = newest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, scope, count, ts)
	c.Header("ETag", etag)
	inm := c.GetHeader("If-None-Match")
	return inm != "" && inm == etag
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings, collapses blank-line runs, and
// trims the text a student typed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
