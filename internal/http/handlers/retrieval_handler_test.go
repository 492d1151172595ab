package handlers

import (
	"net/http"
	"testing"

	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/rag"
	"github.com/tbourn/course-rag-backend/internal/services"
)

func TestSearch(t *testing.T) {
	e := newEnv(t)
	e.seedLecture(t)

	w := e.do(t, http.MethodPost, "/search", "", SearchRequest{Query: "binary search tree"})
	if w.Code != http.StatusOK {
		t.Fatalf("search: %d %s", w.Code, w.Body.String())
	}
	res := decode[SearchResponse](t, w)
	if res.Count != 1 || res.Results[0].FileName != "lecture1.pdf" || res.Results[0].Similarity <= 0.7 {
		t.Fatalf("unexpected results: %+v", res)
	}

	high := 0.9
	w = e.do(t, http.MethodPost, "/search", "", SearchRequest{Query: "bst", Threshold: &high})
	if res := decode[SearchResponse](t, w); res.Count != 0 || res.Results == nil {
		t.Fatalf("threshold 0.9 must exclude the 0.72 chunk with an empty list: %s", w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/search", "", SearchRequest{Query: "bst", Category: "lab"})
	if res := decode[SearchResponse](t, w); res.Count != 0 {
		t.Fatalf("category filter ignored: %+v", res)
	}

	bad := 2.0
	expectError(t, e.do(t, http.MethodPost, "/search", "", SearchRequest{Query: "bst", Threshold: &bad}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, "/search", "", SearchRequest{Query: "bst", Limit: -1}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, "/search", "", SearchRequest{}), http.StatusBadRequest, ErrCodeBadRequest)

	e.emb.def = []float32{1, 0, 0}
	expectError(t, e.do(t, http.MethodPost, "/search", "", SearchRequest{Query: "bst"}), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestAsk(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/ask", "", AskRequest{Question: "What is a heap?"})
	if w.Code != http.StatusOK {
		t.Fatalf("ask: %d %s", w.Code, w.Body.String())
	}
	res := decode[services.AnswerResult](t, w)
	if res.Grounded || res.Content != rag.NoGroundingAnswer || res.ConversationID != "" {
		t.Fatalf("unexpected ungrounded answer: %+v", res)
	}

	e.seedLecture(t)
	res = decode[services.AnswerResult](t, e.do(t, http.MethodPost, "/ask", "", AskRequest{Question: "What is a BST?", Week: 1}))
	if !res.Grounded || len(res.Sources) != 1 {
		t.Fatalf("want grounded answer citing the lecture: %+v", res)
	}

	expectError(t, e.do(t, http.MethodPost, "/ask", "", AskRequest{Question: "q", Category: "exam"}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, "/ask", "", "not json"), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestGenerate(t *testing.T) {
	e := newEnv(t)
	e.seedLecture(t)
	e.gen.reply = `{"notes":"# Trees","slides":"Trees\n---\nBSTs","lab_code":{"language":"python","code":"class Node: pass"}}`

	w := e.do(t, http.MethodPost, "/generate", "", GenerateRequest{Topic: "binary search trees"})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", w.Code, w.Body.String())
	}
	res := decode[services.GenerateResult](t, w)
	if !res.Grounded || res.Notes != "# Trees" || res.LabCode.Language != "python" || len(res.Sources) != 1 {
		t.Fatalf("unexpected material: %+v", res)
	}
	if res.Audience != rag.DefaultAudience {
		t.Fatalf("audience = %q", res.Audience)
	}

	expectError(t, e.do(t, http.MethodPost, "/generate", "", GenerateRequest{}), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, "/generate", "", GenerateRequest{Topic: "trees", Week: 99}), http.StatusBadRequest, ErrCodeBadRequest)

	e.gen.reply = "Sorry, here are notes in prose."
	w = e.do(t, http.MethodPost, "/generate", "", GenerateRequest{Topic: "trees"})
	expectError(t, w, http.StatusServiceUnavailable, ErrCodeUnavailable)
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("503 without Retry-After")
	}

	e.gen.reply, e.gen.err = "", &llm.StatusError{Code: 400, Body: "bad model"}
	expectError(t, e.do(t, http.MethodPost, "/generate", "", GenerateRequest{Topic: "trees"}), http.StatusUnprocessableEntity, ErrCodeUpstreamRejected)
}
