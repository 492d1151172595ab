// Package app assembles the storage, retrieval index, model collaborators
// and services from a Config. Both the HTTP server and the CLI commands
// start from New.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/config"
	"github.com/tbourn/course-rag-backend/internal/http/handlers"
	"github.com/tbourn/course-rag-backend/internal/ingest"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/repo"
	"github.com/tbourn/course-rag-backend/internal/search"
	"github.com/tbourn/course-rag-backend/internal/services"
)

// App holds the wired dependencies of one process.
type App struct {
	Cfg   config.Config
	DB    *gorm.DB
	Index search.Index
	LLM   llm.Collaborators

	Chunks        *services.ChunkService
	Conversations *services.ConversationService
	Answers       *services.AnswerService
	Generate      *services.GenerateService
	Materials     *services.MaterialService
	Ingest        *services.IngestService
}

// Option overrides a dependency before the services are built.
type Option func(*options)

type options struct {
	db    *gorm.DB
	index search.Index
	llm   *llm.Collaborators
}

// WithDB uses db instead of opening cfg.DB.
func WithDB(db *gorm.DB) Option { return func(o *options) { o.db = db } }

// WithIndex uses idx instead of the configured retrieval backend.
func WithIndex(idx search.Index) Option { return func(o *options) { o.index = idx } }

// WithCollaborators uses c instead of the configured LLM provider.
func WithCollaborators(c llm.Collaborators) Option { return func(o *options) { o.llm = &c } }

// New opens the database, migrates it, builds the index and warms it from
// the stored embeddings, then wires the services.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	db := o.db
	if db == nil {
		var err error
		if db, err = repo.Open(cfg.DB); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	idx := o.index
	if idx == nil {
		var err error
		if idx, err = NewIndex(cfg.Retrieval, cfg.LLM.EmbeddingDim); err != nil {
			return nil, err
		}
	}

	var collab llm.Collaborators
	if o.llm != nil {
		collab = *o.llm
	} else {
		var err error
		if collab, err = llm.FromConfig(cfg.LLM); err != nil {
			return nil, err
		}
	}

	a := &App{Cfg: cfg, DB: db, Index: idx, LLM: collab}
	a.wire()

	n, err := a.Chunks.Warm(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm index: %w", err)
	}
	log.Debug().Int("chunks", n).Str("backend", cfg.Retrieval.Backend).Msg("index ready")
	return a, nil
}

func (a *App) wire() {
	cfg := a.Cfg
	a.Chunks = &services.ChunkService{DB: a.DB, Index: a.Index, Dim: cfg.LLM.EmbeddingDim}

	conv := services.NewConversationService(a.DB, a.LLM.Summarizer)
	conv.Window = cfg.MemoryWindow
	conv.SummarizeTimeout = cfg.LLM.SummarizeTimeout
	a.Conversations = conv

	a.Answers = &services.AnswerService{
		Index:            a.Index,
		Embedder:         a.LLM.Embedder,
		Generator:        a.LLM.Generator,
		Memory:           conv,
		EmbedTimeout:     cfg.LLM.EmbedTimeout,
		GenerateTimeout:  cfg.LLM.GenerateTimeout,
		Threshold:        cfg.Retrieval.Threshold,
		Limit:            cfg.Retrieval.Limit,
		MaxQuestionRunes: cfg.MaxQuestionRunes,
	}
	a.Generate = &services.GenerateService{Answers: a.Answers}
	a.Materials = &services.MaterialService{DB: a.DB, Chunks: a.Chunks, BaseDir: cfg.Ingest.MaterialsDir}
	a.Ingest = &services.IngestService{
		DB:       a.DB,
		Chunks:   a.Chunks,
		Embedder: a.LLM.Embedder,
		Splitter: ingest.NewSplitter(
			ingest.WithChunkSize(cfg.Ingest.ChunkSize),
			ingest.WithChunkOverlap(cfg.Ingest.ChunkOverlap),
		),
		EmbedTimeout: cfg.LLM.EmbedTimeout,
		Concurrency:  cfg.Ingest.Concurrency,
	}
}

// Services exposes the app's services to the HTTP handlers.
func (a *App) Services() handlers.Services {
	return handlers.Services{
		Conversations: a.Conversations,
		Answers:       a.Answers,
		Generate:      a.Generate,
		Materials:     a.Materials,
		Ingest:        a.Ingest,
	}
}

// Close releases the database connection pool.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewIndex builds the retrieval backend named by cfg.Backend.
func NewIndex(cfg config.RetrievalConfig, dim int) (search.Index, error) {
	switch cfg.Backend {
	case "", "flat":
		return search.NewFlatIndex(search.WithDimension(dim)), nil
	case "chromem":
		idx, err := search.NewChromemIndex(cfg.ChromemPath, cfg.ChromemCompress, search.WithDimension(dim))
		if err != nil {
			return nil, fmt.Errorf("open chromem index: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", cfg.Backend)
	}
}
