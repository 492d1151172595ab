package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/http/middleware"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/rag"
	"github.com/tbourn/course-rag-backend/internal/services"
)

func createConversation(t *testing.T, e *testEnv, user, title string) domain.Conversation {
	t.Helper()
	w := e.do(t, http.MethodPost, "/conversations", user, CreateConversationRequest{Title: title})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return decode[domain.Conversation](t, w)
}

func TestConversations_CRUDAndETag(t *testing.T) {
	e := newEnv(t)

	expectError(t, e.do(t, http.MethodPost, "/conversations", "", nil), http.StatusUnauthorized, ErrCodeUnauthorized)

	w := e.do(t, http.MethodPost, "/conversations", "u1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create without body: %d %s", w.Code, w.Body.String())
	}
	if c := decode[domain.Conversation](t, w); c.Title != domain.DefaultConversationTitle || c.UserID != "u1" {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	expectError(t, e.do(t, http.MethodPost, "/conversations", "u1", "{bad json"), http.StatusBadRequest, ErrCodeBadRequest)

	conv := createConversation(t, e, "u1", "Trees")

	w = e.do(t, http.MethodGet, "/conversations?page=1&page_size=1", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	list := decode[ListConversationsResponse](t, w)
	if len(list.Conversations) != 1 || list.Pagination.Total != 2 || list.Pagination.TotalPages != 2 || !list.Pagination.HasNext {
		t.Fatalf("unexpected page: %+v", list)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	w = e.do(t, http.MethodGet, "/conversations?page=1&page_size=1", "u1", nil, withHeader("If-None-Match", etag))
	if w.Code != http.StatusNotModified {
		t.Fatalf("want 304, got %d", w.Code)
	}

	w = e.do(t, http.MethodPut, "/conversations/"+conv.ID+"/title", "u1", UpdateTitleRequest{Title: "Balanced trees"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("rename: %d %s", w.Code, w.Body.String())
	}
	w = e.do(t, http.MethodGet, "/conversations?page=1&page_size=1", "u1", nil, withHeader("If-None-Match", etag))
	if w.Code != http.StatusOK {
		t.Fatalf("rename must change the ETag, got %d", w.Code)
	}
	expectError(t, e.do(t, http.MethodPut, "/conversations/"+conv.ID+"/title", "u1", UpdateTitleRequest{Title: ""}), http.StatusBadRequest, ErrCodeBadRequest)

	w = e.do(t, http.MethodGet, "/conversations/"+conv.ID, "u1", nil)
	got := decode[ConversationResponse](t, w)
	if got.Conversation == nil || got.Conversation.Title != "Balanced trees" || got.Messages == nil || len(got.Messages) != 0 {
		t.Fatalf("unexpected get: %+v", got)
	}

	expectError(t, e.do(t, http.MethodGet, "/conversations/not-a-uuid", "u1", nil), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodGet, "/conversations/"+uuid.NewString(), "u1", nil), http.StatusNotFound, ErrCodeNotFound)
	expectError(t, e.do(t, http.MethodGet, "/conversations/"+conv.ID, "u2", nil), http.StatusForbidden, ErrCodeForbidden)
	expectError(t, e.do(t, http.MethodDelete, "/conversations/"+conv.ID, "u2", nil), http.StatusForbidden, ErrCodeForbidden)

	if w := e.do(t, http.MethodDelete, "/conversations/"+conv.ID, "u1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	expectError(t, e.do(t, http.MethodGet, "/conversations/"+conv.ID, "u1", nil), http.StatusNotFound, ErrCodeNotFound)
}

func TestPostMessage_GroundedAnswerAndIdempotentReplay(t *testing.T) {
	e := newEnv(t)
	e.seedLecture(t)
	e.gen.reply = "A BST keeps keys ordered (Source: lecture1.pdf, Page 3). See also (Source: notes.pdf)."
	conv := createConversation(t, e, "u1", "")
	path := "/conversations/" + conv.ID + "/messages"

	w := e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "What is a binary search tree?\r\n\r\n\r\n"},
		withHeader(middleware.HeaderIdempotencyKey, "k-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("post: %d %s", w.Code, w.Body.String())
	}
	res := decode[services.AnswerResult](t, w)
	if res.ConversationID != conv.ID || res.MessageID == "" || !res.Grounded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Sources) != 1 || res.Sources[0].FileName != "lecture1.pdf" || res.Sources[0].PageNumber == nil || *res.Sources[0].PageNumber != 3 {
		t.Fatalf("only the supplied chunk may be cited: %+v", res.Sources)
	}

	w = e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "What is a binary search tree?"},
		withHeader(middleware.HeaderIdempotencyKey, "k-1"))
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("want replay, got %d %v", w.Code, w.Header())
	}
	replayed := decode[services.AnswerResult](t, w)
	if replayed.MessageID != res.MessageID || len(replayed.Sources) != 1 || e.gen.calls != 1 {
		t.Fatalf("replay recomputed or differs: %+v calls=%d", replayed, e.gen.calls)
	}

	w = e.do(t, http.MethodGet, path, "u1", nil)
	msgs := decode[ListMessagesResponse](t, w)
	if len(msgs.Messages) != 2 || msgs.Messages[0].Role != domain.RoleUser || msgs.Messages[0].Content != "What is a binary search tree?" {
		t.Fatalf("unexpected transcript: %+v", msgs.Messages)
	}
	etag := w.Header().Get("ETag")
	if w := e.do(t, http.MethodGet, path, "u1", nil, withHeader("If-None-Match", etag)); w.Code != http.StatusNotModified {
		t.Fatalf("messages ETag: want 304, got %d", w.Code)
	}
	expectError(t, e.do(t, http.MethodGet, path, "u2", nil), http.StatusForbidden, ErrCodeForbidden)

	w = e.do(t, http.MethodGet, "/conversations/"+conv.ID+"/context", "u1", nil)
	mem := decode[ContextResponse](t, w)
	if mem.MessageCount != 2 || len(mem.Recent) != 2 || mem.Summary != "" {
		t.Fatalf("unexpected context: %+v", mem)
	}
	expectError(t, e.do(t, http.MethodGet, "/conversations/"+conv.ID+"/context", "u2", nil), http.StatusForbidden, ErrCodeForbidden)
}

func TestChat_CreatesConversationAndFollowsUp(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/chat", "u1", ChatRequest{Message: "Explain heaps"})
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	first := decode[services.AnswerResult](t, w)
	if first.ConversationID == "" || first.Grounded || first.Content != rag.NoGroundingAnswer || first.Sources == nil {
		t.Fatalf("want ungrounded answer in a new conversation: %+v", first)
	}
	if e.gen.calls != 0 {
		t.Fatalf("generator must not run without grounding")
	}

	w = e.do(t, http.MethodPost, "/chat", "u1", ChatRequest{Message: "And tries?", ConversationID: first.ConversationID})
	second := decode[services.AnswerResult](t, w)
	if second.ConversationID != first.ConversationID {
		t.Fatalf("follow-up went to another conversation: %+v", second)
	}
	got := decode[ConversationResponse](t, e.do(t, http.MethodGet, "/conversations/"+first.ConversationID, "u1", nil))
	if len(got.Messages) != 4 {
		t.Fatalf("want 4 messages, got %d", len(got.Messages))
	}

	expectError(t, e.do(t, http.MethodPost, "/chat", "u1", ChatRequest{Message: "x", ConversationID: "nope"}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, "/chat", "u2", ChatRequest{Message: "x", ConversationID: first.ConversationID}), http.StatusForbidden, ErrCodeForbidden)
	expectError(t, e.do(t, http.MethodPost, "/chat", "u1", map[string]string{}), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestPostMessage_ValidationAndCollaboratorErrors(t *testing.T) {
	e := newEnv(t)
	e.seedLecture(t)
	conv := createConversation(t, e, "u1", "")
	path := "/conversations/" + conv.ID + "/messages"

	expectError(t, e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "   "}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "q", Category: "exam"}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "q", Week: 60}), http.StatusBadRequest, ErrCodeBadRequest)

	e.gen.err = &llm.StatusError{Code: http.StatusServiceUnavailable, Body: "overloaded"}
	w := e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "What is a BST?"})
	expectError(t, w, http.StatusServiceUnavailable, ErrCodeUnavailable)
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("503 must carry Retry-After")
	}

	e.gen.err = &llm.StatusError{Code: http.StatusBadRequest, Body: "context too long"}
	expectError(t, e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "What is a BST?"}), http.StatusUnprocessableEntity, ErrCodeUpstreamRejected)

	e.gen.err = nil
	e.emb.err = context.DeadlineExceeded
	expectError(t, e.do(t, http.MethodPost, path, "u1", PostMessageRequest{Content: "What is a BST?"}), http.StatusServiceUnavailable, ErrCodeUnavailable)

	got := decode[ConversationResponse](t, e.do(t, http.MethodGet, "/conversations/"+conv.ID, "u1", nil))
	if len(got.Messages) != 0 {
		t.Fatalf("failed answers must not write messages, got %d", len(got.Messages))
	}
}

func TestFailErr_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&services.ValidationError{Field: "question", Reason: "required"}, http.StatusBadRequest, ErrCodeBadRequest},
		{fmt.Errorf("wrapped: %w", services.ErrPermission), http.StatusForbidden, ErrCodeForbidden},
		{services.ErrMaterialNotFound, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("record: %w", services.ErrConflict), http.StatusConflict, ErrCodeConflict},
		{&services.CollaboratorError{Kind: services.ErrSummarization, Retryable: true, Err: errors.New("timeout")}, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{&services.CollaboratorError{Kind: services.ErrEmbedding, Err: llm.ErrBadRequest}, http.StatusUnprocessableEntity, ErrCodeUpstreamRejected},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		failErr(c, tc.err)
		if w.Code != tc.status {
			t.Fatalf("%v: want %d, got %d", tc.err, tc.status, w.Code)
		}
		er := decode[ErrorResponse](t, w)
		if er.Code != tc.code || c.GetString(middleware.CtxKeyErrorCode) != tc.code {
			t.Fatalf("%v: want code %q, got %+v", tc.err, tc.code, er)
		}
		if tc.status == http.StatusInternalServerError && er.Message != "internal server error" {
			t.Fatalf("500 must not leak the cause: %q", er.Message)
		}
	}
}

func TestSanitizeContent(t *testing.T) {
	in := "  line1\r\nline2\r\r\r\rline3\n\n\n\nend  "
	if got := sanitizeContent(in); got != "line1\nline2\n\nline3\n\nend" {
		t.Fatalf("got %q", got)
	}
}
