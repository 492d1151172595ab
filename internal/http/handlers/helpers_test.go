package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/http/middleware"
	"github.com/tbourn/course-rag-backend/internal/ingest"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/repo"
	"github.com/tbourn/course-rag-backend/internal/search"
	"github.com/tbourn/course-rag-backend/internal/services"
)

// ---------- fakes ----------

type fakeEmbedder struct {
	mu  sync.Mutex
	def []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.def, f.err
}

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, llm.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, prior string, folded []llm.Turn) (string, error) {
	parts := []string{prior}
	for _, t := range folded {
		parts = append(parts, t.Content)
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

// ---------- environment ----------

type testEnv struct {
	db     *gorm.DB
	idx    *search.FlatIndex
	emb    *fakeEmbedder
	gen    *fakeGenerator
	chunks *services.ChunkService
	h      *Handlers
	r      *gin.Engine
	dir    string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "handlers.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &testEnv{
		db:  newTestDB(t),
		idx: search.NewFlatIndex(search.WithDimension(2)),
		emb: &fakeEmbedder{def: []float32{1, 0}},
		gen: &fakeGenerator{reply: "Trees keep keys ordered (Source: lecture1.pdf, Page 3)."},
		dir: t.TempDir(),
	}
	e.chunks = &services.ChunkService{DB: e.db, Index: e.idx, Dim: 2}
	conv := services.NewConversationService(e.db, fakeSummarizer{})
	answers := &services.AnswerService{Index: e.idx, Embedder: e.emb, Generator: e.gen, Memory: conv}
	e.h = New(e.db, Services{
		Conversations: conv,
		Answers:       answers,
		Generate:      &services.GenerateService{Answers: answers},
		Materials:     &services.MaterialService{DB: e.db, Chunks: e.chunks, BaseDir: e.dir},
		Ingest: &services.IngestService{
			DB:       e.db,
			Chunks:   e.chunks,
			Embedder: e.emb,
			Splitter: ingest.NewSplitter(ingest.WithChunkSize(40), ingest.WithChunkOverlap(0)),
		},
	})

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Auth(middleware.AuthOptions{}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil),
	)
	r.POST("/conversations", e.h.CreateConversation)
	r.GET("/conversations", e.h.ListConversations)
	r.GET("/conversations/:id", e.h.GetConversation)
	r.PUT("/conversations/:id/title", e.h.UpdateConversationTitle)
	r.DELETE("/conversations/:id", e.h.DeleteConversation)
	r.GET("/conversations/:id/messages", e.h.ListMessages)
	r.GET("/conversations/:id/context", e.h.GetContext)
	r.POST("/conversations/:id/messages", e.h.PostMessage)
	r.POST("/chat", e.h.Chat)
	r.POST("/search", e.h.Search)
	r.POST("/ask", e.h.Ask)
	r.POST("/generate", e.h.Generate)
	r.POST("/materials", e.h.RegisterMaterial)
	r.GET("/materials", e.h.ListMaterials)
	r.GET("/materials/:id", e.h.GetMaterial)
	r.DELETE("/materials/:id", e.h.DeleteMaterial)
	r.GET("/materials/:id/chunks", e.h.ListMaterialChunks)
	r.POST("/materials/:id/ingest", e.h.IngestMaterial)
	r.POST("/ingest-all", e.h.IngestAll)
	r.GET("/index-status", e.h.IndexStatus)
	e.r = r
	return e
}

type reqOpt func(*http.Request)

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

// do sends a request as user (empty for anonymous) with an optional JSON body.
func (e *testEnv) do(t *testing.T, method, path, user string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T from %q: %v", v, w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("want %d, got %d: %s", status, w.Code, w.Body.String())
	}
	er := decode[ErrorResponse](t, w)
	if er.Code != code || er.RequestID == "" {
		t.Fatalf("want code %q with request id, got %+v", code, er)
	}
}

func intp(v int) *int { return &v }

func cosVec(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

// seedLecture stores lecture1.pdf (theory, week 1) with one embedded chunk on
// page 3 whose cosine against (1,0) is 0.72.
func (e *testEnv) seedLecture(t *testing.T) *domain.CourseMaterial {
	t.Helper()
	ctx := context.Background()
	m := &domain.CourseMaterial{
		Title: "Lecture 1", FileName: "lecture1.pdf", FilePath: "/m/lecture1.pdf",
		FileType: "pdf", Category: domain.CategoryTheory, WeekNumber: intp(1),
	}
	if err := repo.CreateMaterial(ctx, e.db, m); err != nil {
		t.Fatalf("seed material: %v", err)
	}
	if _, err := e.chunks.PutChunks(ctx, m.ID, []services.ChunkInput{{
		Index: 0, Text: "A binary search tree keeps smaller keys on the left.",
		PageNumber: intp(3), Embedding: cosVec(0.72),
	}}); err != nil {
		t.Fatalf("seed chunks: %v", err)
	}
	return m
}
