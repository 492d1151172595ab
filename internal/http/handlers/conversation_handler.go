// Conversation HTTP handlers.
//
// This file exposes the conversation resources and the answer endpoints that
// write into them:
//   - POST   /conversations                (create)
//   - GET    /conversations                (list, paginated, ETag support)
//   - GET    /conversations/{id}           (conversation with its messages)
//   - PUT    /conversations/{id}/title     (rename)
//   - DELETE /conversations/{id}           (delete)
//   - GET    /conversations/{id}/messages  (paginated, ETag support)
//   - GET    /conversations/{id}/context   (rolling summary + recent window)
//   - POST   /conversations/{id}/messages  (ask inside a conversation)
//   - POST   /chat                         (ask, creating the conversation if needed)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous answer
// exists for (user, conversation, key), the handler returns that recorded
// answer and sets `Idempotency-Replayed: true` without calling the model.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/http/middleware"
	"github.com/tbourn/course-rag-backend/internal/rag"
	"github.com/tbourn/course-rag-backend/internal/repo"
	"github.com/tbourn/course-rag-backend/internal/services"
	"github.com/tbourn/course-rag-backend/internal/utils"
)

//
// DTOs
//

// CreateConversationRequest is the JSON payload for creating a conversation.
type CreateConversationRequest struct {
	// Title optionally names the conversation; "New Chat" is used when empty.
	Title string `json:"title" example:"Week 3 trees"`
}

// UpdateTitleRequest is the JSON payload for renaming a conversation.
type UpdateTitleRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255" example:"Balanced BSTs"`
}

// ListConversationsResponse wraps a page of conversations.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    utils.Pagination      `json:"pagination"`
}

// ConversationResponse is a conversation with its full transcript.
type ConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Messages     []domain.ChatMessage `json:"messages"`
}

// ListMessagesResponse wraps a page of messages.
type ListMessagesResponse struct {
	Messages   []domain.ChatMessage `json:"messages"`
	Pagination utils.Pagination     `json:"pagination"`
}

// ContextResponse is the memory the next answer would be prompted with.
type ContextResponse struct {
	Summary      string               `json:"summary"`
	Recent       []domain.ChatMessage `json:"recent"`
	MessageCount int                  `json:"message_count"`
}

// PostMessageRequest is a question asked inside an existing conversation.
type PostMessageRequest struct {
	Content  string `json:"content" binding:"required" example:"What is a binary search tree?"`
	Category string `json:"category,omitempty" enums:"theory,lab"`
	Week     int    `json:"week,omitempty" minimum:"0" maximum:"52"`
}

// ChatRequest is a question that may start a new conversation.
type ChatRequest struct {
	Message        string `json:"message" binding:"required" example:"Explain AVL rotations"`
	ConversationID string `json:"conversation_id,omitempty" format:"uuid"`
	Category       string `json:"category,omitempty" enums:"theory,lab"`
	Week           int    `json:"week,omitempty" minimum:"0" maximum:"52"`
}

//
// Handlers
//

// CreateConversation godoc
// @ID          createConversation
// @Summary     Create a conversation
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (when JWT auth is disabled)"  example(student42)
// @Param       body       body    handlers.CreateConversationRequest  false  "Create payload"
// @Success     201  {object}  domain.Conversation
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	conv, err := h.svc.Conversations.Create(c.Request.Context(), uid, req.Title)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Most recently active first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
// @Param       X-User-ID      header  string  false "User ID"                     example(student42)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	if h.db != nil {
		if count, newest, err := repo.ConversationsStats(ctx, h.db, uid); err == nil {
			scope := uid + ":" + c.Query("page") + ":" + c.Query("page_size")
			if weakETag(c, "conversations", scope, count, newest) {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.svc.Conversations.ListPage(ctx, uid, page, size)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination:    utils.NewPagination(page, size, total),
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Get a conversation with its messages
// @Tags        Conversations
// @Produce     json
// @Param       id  path  string  true  "Conversation ID"  format(uuid)
// @Success     200  {object} handlers.ConversationResponse
// @Failure     403  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	id, okID := uuidParam(c, "id", "conversation")
	if !okID {
		return
	}
	conv, msgs, err := h.svc.Conversations.Get(c.Request.Context(), id, uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ConversationResponse{Conversation: conv, Messages: msgs})
}

// UpdateConversationTitle godoc
// @ID          updateConversationTitle
// @Summary     Rename a conversation
// @Tags        Conversations
// @Accept      json
// @Param       id    path  string  true  "Conversation ID"  format(uuid)
// @Param       body  body  handlers.UpdateTitleRequest  true  "New title"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     403  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id}/title [put]
func (h *Handlers) UpdateConversationTitle(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	id, okID := uuidParam(c, "id", "conversation")
	if !okID {
		return
	}
	var req UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || sanitizeContent(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1–255 chars)")
		return
	}
	if err := h.svc.Conversations.UpdateTitle(c.Request.Context(), uid, id, req.Title); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation and its messages
// @Tags        Conversations
// @Param       id  path  string  true  "Conversation ID"  format(uuid)
// @Success     204  {string} string "No Content"
// @Failure     403  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	id, okID := uuidParam(c, "id", "conversation")
	if !okID {
		return
	}
	if err := h.svc.Conversations.Delete(c.Request.Context(), id, uid); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages of a conversation
// @Description Chronological. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
// @Param       id         path   string  true  "Conversation ID"  format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     403  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	id, okID := uuidParam(c, "id", "conversation")
	if !okID {
		return
	}
	ctx := c.Request.Context()
	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	// Ownership is checked by the page query, so the ETag never leaks
	// another user's message count.
	items, total, err := h.svc.Conversations.ListMessagesPage(ctx, id, uid, page, size)
	if err != nil {
		failErr(c, err)
		return
	}
	if h.db != nil {
		if count, newest, err := repo.MessagesStats(ctx, h.db, id); err == nil {
			scope := id + ":" + c.Query("page") + ":" + c.Query("page_size")
			if weakETag(c, "messages", scope, count, newest) {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: utils.NewPagination(page, size, total),
	})
}

// GetContext godoc
// @ID          getConversationContext
// @Summary     Show the memory used for the next answer
// @Tags        Conversations
// @Produce     json
// @Param       id  path  string  true  "Conversation ID"  format(uuid)
// @Success     200  {object} handlers.ContextResponse
// @Failure     403  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /conversations/{id}/context [get]
func (h *Handlers) GetContext(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	id, okID := uuidParam(c, "id", "conversation")
	if !okID {
		return
	}
	mem, err := h.svc.Conversations.ContextFor(c.Request.Context(), id, uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ContextResponse{
		Summary:      mem.Summary,
		Recent:       mem.Recent,
		MessageCount: mem.MessageCount,
	})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Ask a question inside a conversation
// @Description Records the question and a grounded answer with validated citations.
// @Description Supports idempotency via the Idempotency-Key header (same key → same answer).
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Key for safe retries"
// @Param       id               path    string  true  "Conversation ID"  format(uuid)
// @Param       body             body    handlers.PostMessageRequest  true  "Question"
// @Success     200  {object}  services.AnswerResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	id, okID := uuidParam(c, "id", "conversation")
	if !okID {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	h.answer(c, services.AnswerRequest{
		UserID:         uid,
		ConversationID: id,
		Question:       sanitizeContent(req.Content),
		Category:       req.Category,
		Week:           req.Week,
	})
}

// Chat godoc
// @ID          chat
// @Summary     Ask a question, creating a conversation when none is given
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Key for safe retries"
// @Param       body             body    handlers.ChatRequest  true  "Question"
// @Success     200  {object}  services.AnswerResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /chat [post]
func (h *Handlers) Chat(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message required")
		return
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id must be a UUID")
			return
		}
	}
	h.answer(c, services.AnswerRequest{
		UserID:         uid,
		ConversationID: req.ConversationID,
		Question:       sanitizeContent(req.Message),
		Category:       req.Category,
		Week:           req.Week,
	})
}

// answer serves a stored replay when the Idempotency-Key matches, otherwise
// runs the pipeline and stores the key against the new assistant message.
func (h *Handlers) answer(c *gin.Context, req services.AnswerRequest) {
	ctx := c.Request.Context()
	key, hasKey := middleware.GetIdempotencyKey(c)
	scope := middleware.IdempotencyScope(c)

	if hasKey && h.db != nil {
		if res, found := h.replay(c, req.UserID, scope, key); found {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, res)
			return
		}
	}

	res, err := h.svc.Answers.Answer(ctx, req)
	if err != nil {
		failErr(c, err)
		return
	}

	if hasKey && h.db != nil {
		_, err := repo.CreateIdempotency(ctx, h.db, req.UserID, scope, key, res.MessageID, http.StatusOK, h.IdempotencyTTL)
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("store idempotency key")
		}
	}
	ok(c, http.StatusOK, res)
}

func (h *Handlers) replay(c *gin.Context, uid, scope, key string) (*services.AnswerResult, bool) {
	ctx := c.Request.Context()
	rec, err := repo.GetIdempotency(ctx, h.db, uid, scope, key, time.Now().UTC())
	if err != nil {
		return nil, false
	}
	msg, err := repo.GetMessage(ctx, h.db, rec.MessageID)
	if err != nil {
		return nil, false
	}
	sources := []domain.Source(msg.Sources)
	if sources == nil {
		sources = []domain.Source{}
	}
	return &services.AnswerResult{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		Sources:        sources,
		Grounded:       msg.Content != rag.NoGroundingAnswer,
	}, true
}
