// Package services – IngestService
//
// This file implements the ingestion pipeline that turns a registered
// material into embedded chunks: parse the file, split each page, embed the
// pieces concurrently, then replace the material's chunks in one transaction.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/ingest"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/repo"
)

// IngestResult reports what happened to one material.
type IngestResult struct {
	MaterialID string `json:"material_id"`
	FileName   string `json:"file_name"`
	Pages      int    `json:"pages"`
	Chunks     int    `json:"chunks"`
	Skipped    bool   `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

// IndexStatus summarizes materials, chunks, and the retrieval index.
type IndexStatus struct {
	Materials        int64 `json:"materials"`
	IndexedMaterials int64 `json:"indexed_materials"`
	Chunks           int64 `json:"chunks"`
	EmbeddedChunks   int64 `json:"embedded_chunks"`
	IndexSize        int   `json:"index_size"`
}

// IngestService extracts, splits, and embeds course materials.
type IngestService struct {
	DB       *gorm.DB
	Chunks   *ChunkService
	Embedder llm.Embedder
	Splitter *ingest.Splitter

	EmbedTimeout time.Duration
	// Concurrency bounds in-flight embedding calls per material.
	Concurrency int
}

// Ingest (re)builds the chunks of materialID. An indexed material is left
// alone unless force is set.
func (s *IngestService) Ingest(ctx context.Context, materialID string, force bool) (*IngestResult, error) {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.String("material.id", materialID),
			attribute.Bool("force", force),
		),
	)
	defer span.End()

	mat, err := repo.GetMaterial(ctx, s.DB, materialID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMaterialNotFound
	}
	if err != nil {
		return nil, err
	}
	res := &IngestResult{MaterialID: mat.ID, FileName: mat.FileName}
	if mat.IsIndexed && !force {
		res.Skipped = true
		return res, nil
	}

	pages, err := ingest.Parse(mat.FilePath)
	if errors.Is(err, ingest.ErrUnsupported) {
		return nil, invalid("file_type", err.Error())
	}
	if err != nil {
		return nil, err
	}
	res.Pages = len(pages)

	inputs := s.split(pages)
	if len(inputs) == 0 {
		return nil, invalid("file", fmt.Sprintf("%s has no extractable text", mat.FileName))
	}
	if err := s.embedAll(ctx, inputs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	rows, err := s.Chunks.ReplaceChunks(ctx, mat.ID, inputs)
	if err != nil {
		return nil, err
	}
	res.Chunks = len(rows)
	log.Info().
		Str("material_id", mat.ID).
		Str("file", mat.FileName).
		Int("pages", res.Pages).
		Int("chunks", res.Chunks).
		Msg("material ingested")
	return res, nil
}

// IngestAll ingests every material, or only the unindexed ones unless force
// is set. A failing material does not stop the others; its error is reported
// in its result.
func (s *IngestService) IngestAll(ctx context.Context, force bool) ([]IngestResult, error) {
	f := repo.MaterialFilter{}
	if !force {
		notIndexed := false
		f.Indexed = &notIndexed
	}
	mats, err := repo.ListMaterials(ctx, s.DB, f)
	if err != nil {
		return nil, err
	}

	out := make([]IngestResult, 0, len(mats))
	for _, m := range mats {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Ingest(ctx, m.ID, force)
		if err != nil {
			log.Error().Err(err).Str("material_id", m.ID).Msg("ingestion failed")
			out = append(out, IngestResult{MaterialID: m.ID, FileName: m.FileName, Error: err.Error()})
			continue
		}
		out = append(out, *res)
	}
	return out, nil
}

// IndexStatus reports how much of the corpus is indexed.
func (s *IngestService) IndexStatus(ctx context.Context) (IndexStatus, error) {
	total, indexed, err := repo.CountMaterials(ctx, s.DB)
	if err != nil {
		return IndexStatus{}, err
	}
	cs, err := s.Chunks.Stats(ctx)
	if err != nil {
		return IndexStatus{}, err
	}
	return IndexStatus{
		Materials:        total,
		IndexedMaterials: indexed,
		Chunks:           cs.Total,
		EmbeddedChunks:   cs.Embedded,
		IndexSize:        cs.Indexed,
	}, nil
}

func (s *IngestService) split(pages []ingest.Page) []ChunkInput {
	sp := s.Splitter
	if sp == nil {
		sp = ingest.NewSplitter()
	}
	var out []ChunkInput
	for _, p := range pages {
		page := p.Number
		for _, text := range sp.Split(p.Text) {
			out = append(out, ChunkInput{Index: len(out), Text: text, PageNumber: &page})
		}
	}
	return out
}

// embedAll fills in the embedding of every input. The first failure cancels
// the remaining calls.
func (s *IngestService) embedAll(ctx context.Context, inputs []ChunkInput) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i := range inputs {
		g.Go(func() error {
			ectx, cancel := withTimeout(gctx, s.EmbedTimeout)
			defer cancel()
			start := time.Now()
			vec, err := s.Embedder.Embed(ectx, inputs[i].Text)
			if err == nil && len(vec) == 0 {
				err = llm.ErrEmptyResponse
			}
			if err = observeCall(ErrEmbedding, start, err); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			inputs[i].Embedding = vec
			return nil
		})
	}
	return g.Wait()
}
