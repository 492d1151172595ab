// Package services – ChunkService
//
// This file implements the chunk store: it validates pre-split chunk batches,
// persists them with metadata copied from the owning material, keeps the
// material's is_indexed flag in step, and publishes embedded chunks to the
// similarity index once the database transaction has committed.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/repo"
	"github.com/tbourn/course-rag-backend/internal/search"
)

// ChunkInput is one pre-split chunk handed to the store.
type ChunkInput struct {
	Index      int
	Text       string
	PageNumber *int
	Embedding  []float32 // nil while awaiting embedding
}

// ChunkStats summarizes the chunk store and the in-memory index.
type ChunkStats struct {
	Total    int64 `json:"total_chunks"`
	Embedded int64 `json:"embedded_chunks"`
	Indexed  int   `json:"index_size"`
}

// ChunkService owns document chunks and the retrieval index built from them.
type ChunkService struct {
	DB    *gorm.DB
	Index search.Index

	// Dim is the deployment's embedding dimension; 0 disables the check.
	Dim int
}

// PutChunks stores the first chunk batch of documentID. The batch must carry
// chunk indices 0..n-1 exactly once each and non-blank text. The material is
// marked indexed when every chunk has an embedding.
func (s *ChunkService) PutChunks(ctx context.Context, documentID string, chunks []ChunkInput) ([]domain.DocumentChunk, error) {
	return s.write(ctx, "PutChunks", documentID, chunks, false)
}

// ReplaceChunks swaps every chunk of documentID for chunks in one
// transaction. It is the re-ingestion path.
func (s *ChunkService) ReplaceChunks(ctx context.Context, documentID string, chunks []ChunkInput) ([]domain.DocumentChunk, error) {
	return s.write(ctx, "ReplaceChunks", documentID, chunks, true)
}

func (s *ChunkService) write(ctx context.Context, op, documentID string, chunks []ChunkInput, replace bool) ([]domain.DocumentChunk, error) {
	ctx, span := otel.Tracer("services/ChunkService").Start(ctx, op,
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.Int("chunks", len(chunks)),
		),
	)
	defer span.End()

	if err := s.validate(chunks); err != nil {
		return nil, err
	}

	var rows []domain.DocumentChunk
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mat, err := repo.GetMaterial(ctx, tx, documentID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrMaterialNotFound
		}
		if err != nil {
			return err
		}

		if replace {
			if _, err := repo.DeleteChunksByDocument(ctx, tx, documentID); err != nil {
				return err
			}
		} else {
			n, err := repo.CountChunksByDocument(ctx, tx, documentID)
			if err != nil {
				return err
			}
			if n > 0 {
				return invalid("document_id", "document already has chunks; re-ingest to replace them")
			}
		}

		rows, err = buildChunks(mat, chunks)
		if err != nil {
			return err
		}
		if err := repo.CreateChunks(ctx, tx, rows); err != nil {
			return err
		}
		_, err = repo.SetMaterialIndexed(ctx, tx, documentID, allEmbedded(chunks))
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.publish(ctx, documentID, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetChunksByDocument returns the chunks of documentID ordered by index. It
// returns an empty slice for unknown documents.
func (s *ChunkService) GetChunksByDocument(ctx context.Context, documentID string) ([]domain.DocumentChunk, error) {
	return repo.ListChunksByDocument(ctx, s.DB, documentID)
}

// DeleteByDocument removes every chunk of documentID, clears the material's
// indexed flag, and drops the document from the index. Deleting an absent
// document succeeds with zero rows.
func (s *ChunkService) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	ctx, span := otel.Tracer("services/ChunkService").Start(ctx, "DeleteByDocument",
		trace.WithAttributes(attribute.String("document.id", documentID)),
	)
	defer span.End()

	var removed int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := repo.DeleteChunksByDocument(ctx, tx, documentID)
		if err != nil {
			return err
		}
		removed = n
		_, err = repo.SetMaterialIndexed(ctx, tx, documentID, false)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.Index != nil {
		if err := s.Index.Remove(ctx, documentID); err != nil {
			return removed, fmt.Errorf("remove from index: %w", err)
		}
	}
	return removed, nil
}

// Stats reports stored and embedded chunk counts plus the index size.
func (s *ChunkService) Stats(ctx context.Context) (ChunkStats, error) {
	total, embedded, err := repo.ChunkStats(ctx, s.DB)
	if err != nil {
		return ChunkStats{}, err
	}
	st := ChunkStats{Total: total, Embedded: embedded}
	if s.Index != nil {
		st.Indexed = s.Index.Len()
	}
	return st, nil
}

// Warm loads every embedded chunk from the database into the index and
// returns how many chunks were loaded.
func (s *ChunkService) Warm(ctx context.Context) (int, error) {
	if s.Index == nil {
		return 0, nil
	}
	byDoc := map[string][]search.Entry{}
	err := repo.EachEmbeddedChunk(ctx, s.DB, func(batch []domain.DocumentChunk) error {
		for i := range batch {
			e, err := entryOf(&batch[i])
			if err != nil {
				return err
			}
			byDoc[e.DocumentID] = append(byDoc[e.DocumentID], e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for doc, entries := range byDoc {
		if err := s.Index.Replace(ctx, doc, entries); err != nil {
			return n, fmt.Errorf("warm document %s: %w", doc, err)
		}
		n += len(entries)
	}
	log.Info().Int("chunks", n).Int("documents", len(byDoc)).Msg("retrieval index warmed")
	return n, nil
}

func (s *ChunkService) validate(chunks []ChunkInput) error {
	if len(chunks) == 0 {
		return invalid("chunks", "at least one chunk is required")
	}
	seen := make([]bool, len(chunks))
	for _, c := range chunks {
		if c.Index < 0 || c.Index >= len(chunks) {
			return invalid("chunk_index", fmt.Sprintf("index %d outside 0..%d", c.Index, len(chunks)-1))
		}
		if seen[c.Index] {
			return invalid("chunk_index", fmt.Sprintf("index %d repeated", c.Index))
		}
		seen[c.Index] = true
		if strings.TrimSpace(c.Text) == "" {
			return invalid("text", fmt.Sprintf("chunk %d is empty", c.Index))
		}
		if s.Dim > 0 && len(c.Embedding) > 0 && len(c.Embedding) != s.Dim {
			return invalid("embedding", fmt.Sprintf("chunk %d has dimension %d, want %d", c.Index, len(c.Embedding), s.Dim))
		}
	}
	return nil
}

func (s *ChunkService) publish(ctx context.Context, documentID string, rows []domain.DocumentChunk) error {
	if s.Index == nil {
		return nil
	}
	entries := make([]search.Entry, 0, len(rows))
	for i := range rows {
		e, err := entryOf(&rows[i])
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := s.Index.Replace(ctx, documentID, entries); err != nil {
		return fmt.Errorf("publish to index: %w", err)
	}
	return nil
}

func buildChunks(mat *domain.CourseMaterial, in []ChunkInput) ([]domain.DocumentChunk, error) {
	cat := mat.Category
	out := make([]domain.DocumentChunk, len(in))
	for _, c := range in {
		row := domain.DocumentChunk{
			ID:         uuid.NewString(),
			DocumentID: mat.ID,
			ChunkIndex: c.Index,
			ChunkText:  c.Text,
			FileName:   mat.FileName,
			PageNumber: c.PageNumber,
			Category:   &cat,
			Topic:      mat.Topic,
			WeekNumber: mat.WeekNumber,
		}
		if err := row.SetVector(c.Embedding); err != nil {
			return nil, err
		}
		out[c.Index] = row
	}
	return out, nil
}

func allEmbedded(chunks []ChunkInput) bool {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return false
		}
	}
	return len(chunks) > 0
}

func entryOf(c *domain.DocumentChunk) (search.Entry, error) {
	vec, err := c.Vector()
	if err != nil {
		return search.Entry{}, fmt.Errorf("decode embedding of chunk %s: %w", c.ID, err)
	}
	e := search.Entry{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		FileName:   c.FileName,
		Page:       c.PageNumber,
		Text:       c.ChunkText,
		Vector:     vec,
	}
	if c.Category != nil {
		e.Category = *c.Category
	}
	if c.WeekNumber != nil {
		e.Week = *c.WeekNumber
	}
	return e, nil
}
