package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/repo"
)

// ---------- test helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "svc.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps concurrent writers from tripping SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedMaterial(t *testing.T, db *gorm.DB, fileName, category string, week *int) *domain.CourseMaterial {
	t.Helper()
	m := &domain.CourseMaterial{
		Title:      fileName,
		FileName:   fileName,
		FilePath:   "/materials/" + fileName,
		FileType:   "pdf",
		Category:   category,
		WeekNumber: week,
	}
	if err := repo.CreateMaterial(context.Background(), db, m); err != nil {
		t.Fatalf("seed material: %v", err)
	}
	return m
}

func intp(v int) *int { return &v }

// ---------- fakes ----------

// fakeEmbedder maps texts to vectors; unknown texts get def.
type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	def   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return f.def, nil
}

type fakeGenerator struct {
	reply string
	err   error
	calls int
	last  llm.Envelope
}

func (f *fakeGenerator) Generate(_ context.Context, env llm.Envelope) (string, error) {
	f.calls++
	f.last = env
	return f.reply, f.err
}

// fakeSummarizer appends the folded contents to the prior summary.
type fakeSummarizer struct {
	mu     sync.Mutex
	err    error
	calls  int
	folded [][]llm.Turn
}

func (f *fakeSummarizer) Summarize(_ context.Context, prior string, folded []llm.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.folded = append(f.folded, folded)
	if f.err != nil {
		return "", f.err
	}
	parts := make([]string, 0, len(folded)+1)
	if prior != "" {
		parts = append(parts, prior)
	}
	for _, t := range folded {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, " | "), nil
}

func newConversations(t *testing.T, db *gorm.DB, sum llm.Summarizer) *ConversationService {
	t.Helper()
	return NewConversationService(db, sum)
}

func msg(i int) string { return fmt.Sprintf("m%d", i) }
