// Package services – ConversationService
//
// This file implements the conversation memory manager. Each conversation
// keeps its most recent Window messages verbatim; older messages are folded
// into a rolling summary by the Summarizer collaborator.
//
// Appends are atomic per conversation: an in-process keyed mutex serializes
// writers, the insert and counter update share one transaction, and the
// update is guarded by the message_count read before summarizing (plus a row
// lock on PostgreSQL). The summarizer runs before anything is written, so a
// failed summary leaves the conversation untouched.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/repo"
)

// DefaultWindow is the number of raw messages kept outside the summary.
const DefaultWindow = 7

// NewMessage is a message about to be appended.
type NewMessage struct {
	Role    string
	Content string
	Sources []domain.Source
}

// MemoryContext is what the answer pipeline sees of a conversation.
type MemoryContext struct {
	Summary      string
	Recent       []domain.ChatMessage // chronological, at most Window
	MessageCount int
}

// Turns converts the recent messages into collaborator turns.
func (m MemoryContext) Turns() []llm.Turn {
	return toTurns(m.Recent)
}

// ConversationService manages conversations and their bounded memory.
type ConversationService struct {
	DB         *gorm.DB
	Summarizer llm.Summarizer

	// Window is the raw message window (default 7).
	Window int
	// SummarizeTimeout bounds each summarizer call; 0 means no extra bound.
	SummarizeTimeout time.Duration

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
	// TitleLocale is used to title-case generated titles.
	TitleLocale language.Tag

	locks keyedMutex
}

// NewConversationService returns a service with the default window and
// title settings.
func NewConversationService(db *gorm.DB, sum llm.Summarizer) *ConversationService {
	return &ConversationService{
		DB:               db,
		Summarizer:       sum,
		Window:           DefaultWindow,
		SummarizeTimeout: 30 * time.Second,
		TitleMaxLen:      80,
		TitleLocale:      language.English,
	}
}

func (s *ConversationService) window() int {
	if s.Window <= 0 {
		return DefaultWindow
	}
	return s.Window
}

func (s *ConversationService) tracer() trace.Tracer {
	return otel.Tracer("services/ConversationService")
}

// Create inserts a fresh conversation owned by userID. A blank title becomes
// the "New Chat" placeholder.
func (s *ConversationService) Create(ctx context.Context, userID, title string) (*domain.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "required")
	}
	title = s.clip(normalizeTitle(title))
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	return repo.CreateConversation(ctx, s.DB, userID, title)
}

// Get returns the conversation and all its messages in chronological order.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*domain.Conversation, []domain.ChatMessage, error) {
	ctx, span := s.tracer().Start(ctx, "Get",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	conv, err := s.owned(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := repo.ListMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// List returns every conversation of userID, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]domain.Conversation, error) {
	out, err := repo.ListConversations(ctx, s.DB, userID)
	if out == nil && err == nil {
		out = []domain.Conversation{}
	}
	return out, err
}

// ListPage returns one page of conversations plus the total count.
func (s *ConversationService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}
	items, err := repo.ListConversationsPage(ctx, s.DB, userID, offset, limit)
	return items, total, err
}

// ListMessagesPage returns one page of messages of a conversation owned by
// userID.
func (s *ConversationService) ListMessagesPage(ctx context.Context, conversationID, userID string, page, pageSize int) ([]domain.ChatMessage, int64, error) {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return nil, 0, err
	}
	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ChatMessage{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, conversationID, offset, limit)
	return items, total, err
}

// UpdateTitle renames a conversation. A blank title resets the placeholder.
func (s *ConversationService) UpdateTitle(ctx context.Context, userID, conversationID, title string) error {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return err
	}
	title = s.clip(normalizeTitle(title))
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	err := repo.UpdateConversationTitle(ctx, s.DB, conversationID, userID, title)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// Delete removes a conversation and its messages. Only the owner may delete.
func (s *ConversationService) Delete(ctx context.Context, conversationID, requesterID string) error {
	ctx, span := s.tracer().Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.owned(ctx, conversationID, requesterID); err != nil {
		return err
	}
	err = repo.DeleteConversation(ctx, s.DB, conversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// BuildContext returns the rolling summary and up to Window most recent
// messages. It never writes.
func (s *ConversationService) BuildContext(ctx context.Context, conversationID string) (MemoryContext, error) {
	conv, err := s.load(ctx, s.DB, conversationID)
	if err != nil {
		return MemoryContext{}, err
	}
	recent, err := repo.ListRecentMessages(ctx, s.DB, conversationID, s.window())
	if err != nil {
		return MemoryContext{}, err
	}
	return MemoryContext{
		Summary:      conv.RollingSummary,
		Recent:       recent,
		MessageCount: conv.MessageCount,
	}, nil
}

// ContextFor is BuildContext for a conversation that must belong to userID.
func (s *ConversationService) ContextFor(ctx context.Context, conversationID, userID string) (MemoryContext, error) {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return MemoryContext{}, err
	}
	return s.BuildContext(ctx, conversationID)
}

// AppendMessage appends one message to an existing conversation and folds
// history beyond the window into the summary.
func (s *ConversationService) AppendMessage(ctx context.Context, conversationID, role, content string, sources []domain.Source) (*domain.ChatMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, invalid("conversation_id", "required")
	}
	_, msgs, err := s.Record(ctx, "", conversationID, NewMessage{Role: role, Content: content, Sources: sources})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// Record appends msgs atomically. With an empty conversationID a new
// conversation owned by userID is created in the same transaction. With a
// non-empty userID ownership of an existing conversation is enforced.
func (s *ConversationService) Record(ctx context.Context, userID, conversationID string, msgs ...NewMessage) (*domain.Conversation, []domain.ChatMessage, error) {
	ctx, span := s.tracer().Start(ctx, "Record",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("messages", len(msgs)),
		),
	)
	defer span.End()

	if err := validateMessages(msgs); err != nil {
		return nil, nil, err
	}
	if conversationID == "" {
		if strings.TrimSpace(userID) == "" {
			return nil, nil, invalid("user_id", "required to start a conversation")
		}
		return s.recordNew(ctx, userID, msgs)
	}

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	var conv *domain.Conversation
	if userID != "" {
		conv, err = s.owned(ctx, conversationID, userID)
	} else {
		conv, err = s.load(ctx, s.DB, conversationID)
	}
	if err != nil {
		return nil, nil, err
	}

	// Only messages already stored may be folded; an oversized batch is
	// folded by a later append.
	newCount := conv.MessageCount + len(msgs)
	foldUpto := min(newCount-s.window(), conv.MessageCount)
	summary, summarized, err := s.fold(ctx, conv, foldUpto)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	now := time.Now().UTC()
	rows := buildMessages(conv.ID, conv.MessageCount, msgs, now)
	upd := repo.ConversationUpdate{
		MessageCount:    newCount,
		SummarizedCount: summarized,
		RollingSummary:  summary,
		UpdatedAt:       now,
	}
	if conv.MessageCount == 0 && isPlaceholderTitle(conv.Title) {
		upd.Title = s.autoTitle(msgs)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := repo.LockConversation(ctx, tx, conv.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		if locked.MessageCount != conv.MessageCount {
			return ErrConflict
		}
		if err := repo.CreateMessages(ctx, tx, rows); err != nil {
			return err
		}
		return advance(ctx, tx, conv.ID, conv.MessageCount, upd)
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	conv.MessageCount = newCount
	conv.SummarizedCount = summarized
	conv.RollingSummary = summary
	conv.UpdatedAt = now
	if upd.Title != "" {
		conv.Title = upd.Title
	}
	return conv, rows, nil
}

// recordNew creates a conversation and its first messages in one transaction.
func (s *ConversationService) recordNew(ctx context.Context, userID string, msgs []NewMessage) (*domain.Conversation, []domain.ChatMessage, error) {
	title := s.autoTitle(msgs)
	if title == "" {
		title = domain.DefaultConversationTitle
	}

	var (
		conv *domain.Conversation
		rows []domain.ChatMessage
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.CreateConversation(ctx, tx, userID, title)
		if err != nil {
			return err
		}
		rows = buildMessages(c.ID, 0, msgs, c.CreatedAt)
		if err := repo.CreateMessages(ctx, tx, rows); err != nil {
			return err
		}
		c.MessageCount = len(msgs)
		err = advance(ctx, tx, c.ID, 0, repo.ConversationUpdate{
			MessageCount: c.MessageCount,
			UpdatedAt:    c.UpdatedAt,
		})
		conv = c
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, rows, nil
}

// Compress folds every stored message beyond the window into the summary.
// It reports whether anything was folded; a second call is a no-op.
func (s *ConversationService) Compress(ctx context.Context, conversationID string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return false, err
	}
	defer unlock()

	conv, err := s.load(ctx, s.DB, conversationID)
	if err != nil {
		return false, err
	}
	foldUpto := conv.MessageCount - s.window()
	if foldUpto <= conv.SummarizedCount {
		return false, nil
	}
	summary, summarized, err := s.fold(ctx, conv, foldUpto)
	if err != nil {
		return false, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return advance(ctx, tx, conv.ID, conv.MessageCount, repo.ConversationUpdate{
			MessageCount:    conv.MessageCount,
			SummarizedCount: summarized,
			RollingSummary:  summary,
			UpdatedAt:       conv.UpdatedAt,
		})
	})
	return err == nil, err
}

// fold summarizes the stored messages in (SummarizedCount, upto] into the
// current summary. It returns the summary and summarized count to persist.
func (s *ConversationService) fold(ctx context.Context, conv *domain.Conversation, upto int) (string, int, error) {
	if upto <= conv.SummarizedCount {
		return conv.RollingSummary, conv.SummarizedCount, nil
	}
	folded, err := repo.ListMessagesRange(ctx, s.DB, conv.ID, conv.SummarizedCount, upto)
	if err != nil {
		return "", 0, err
	}
	if s.Summarizer == nil {
		return "", 0, collaboratorError(ErrSummarization, errors.New("no summarizer configured"))
	}

	sctx, cancel := withTimeout(ctx, s.SummarizeTimeout)
	defer cancel()
	start := time.Now()
	summary, err := s.Summarizer.Summarize(sctx, conv.RollingSummary, toTurns(folded))
	if err = observeCall(ErrSummarization, start, err); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("conversation_id", conv.ID).Msg("summarization failed")
		return "", 0, err
	}

	compressions.Inc()
	zerolog.Ctx(ctx).Debug().
		Str("conversation_id", conv.ID).
		Int("from_seq", conv.SummarizedCount+1).
		Int("to_seq", upto).
		Msg("history folded into rolling summary")
	return strings.TrimSpace(summary), upto, nil
}

// owned loads a conversation and checks that userID owns it.
func (s *ConversationService) owned(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.load(ctx, s.DB, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrPermission
	}
	return conv, nil
}

func (s *ConversationService) load(ctx context.Context, db *gorm.DB, conversationID string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, db, conversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	return conv, err
}

func advance(ctx context.Context, tx *gorm.DB, id string, expected int, upd repo.ConversationUpdate) error {
	err := repo.AdvanceConversation(ctx, tx, id, expected, upd)
	if errors.Is(err, repo.ErrStale) {
		return ErrConflict
	}
	return err
}

func validateMessages(msgs []NewMessage) error {
	if len(msgs) == 0 {
		return invalid("messages", "at least one message is required")
	}
	for i, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			if len(m.Sources) > 0 {
				return invalid("sources", fmt.Sprintf("message %d: user messages carry no sources", i))
			}
		case domain.RoleAssistant:
		default:
			return invalid("role", fmt.Sprintf("message %d: unknown role %q", i, m.Role))
		}
		if strings.TrimSpace(m.Content) == "" {
			return invalid("content", fmt.Sprintf("message %d is empty", i))
		}
	}
	return nil
}

func buildMessages(conversationID string, lastSeq int, msgs []NewMessage, now time.Time) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		src := m.Sources
		if src == nil {
			src = []domain.Source{}
		}
		out[i] = domain.ChatMessage{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Seq:            lastSeq + i + 1,
			Role:           m.Role,
			Content:        m.Content,
			Sources:        datatypes.JSONSlice[domain.Source](src),
			// keep strictly increasing timestamps within a batch
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
	}
	return out
}

func toTurns(msgs []domain.ChatMessage) []llm.Turn {
	out := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func pageBounds(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}

// --- Titles ---

func isPlaceholderTitle(t string) bool {
	t = strings.TrimSpace(t)
	return t == "" || strings.EqualFold(t, domain.DefaultConversationTitle) || strings.EqualFold(t, "Untitled")
}

// autoTitle derives a title from the first user message of msgs.
func (s *ConversationService) autoTitle(msgs []NewMessage) string {
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			return s.clip(s.titleFrom(m.Content))
		}
	}
	return ""
}

// titleFrom keeps up to five significant words of text, title-cased.
func (s *ConversationService) titleFrom(text string) string {
	toks := titleWordRE.FindAllString(strings.ToLower(text), -1)
	locale := s.TitleLocale
	if locale == language.Und {
		locale = language.English
	}
	caser := cases.Title(locale)

	out := make([]string, 0, maxTitleWords)
	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, caser.String(w))
		if len(out) == maxTitleWords {
			break
		}
	}
	return strings.Join(out, " ")
}

func (s *ConversationService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return strings.TrimSpace(string([]rune(title)[:s.TitleMaxLen]))
	}
	return title
}

// normalizeTitle trims whitespace and collapses runs of it to one space.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

const maxTitleWords = 5

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	titleWordRE  = regexp.MustCompile(`[\p{L}]+[\p{N}]*|[\p{N}]+`)
)

var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"what": {}, "how": {}, "can": {}, "you": {}, "me": {}, "please": {}, "do": {}, "does": {},
}
