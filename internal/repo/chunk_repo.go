// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for DocumentChunk.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
)

const chunkBatchSize = 100

// CreateChunks inserts chunks in batches. Callers are expected to run it in a
// transaction when partial inserts must not be visible.
func CreateChunks(ctx context.Context, db *gorm.DB, chunks []domain.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return db.WithContext(ctx).Omit("Document").CreateInBatches(chunks, chunkBatchSize).Error
}

// ListChunksByDocument returns a document's chunks ordered by chunk_index.
func ListChunksByDocument(ctx context.Context, db *gorm.DB, documentID string) ([]domain.DocumentChunk, error) {
	out := []domain.DocumentChunk{}
	err := db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&out).Error
	return out, err
}

// CountChunksByDocument returns the number of chunks owned by documentID.
func CountChunksByDocument(ctx context.Context, db *gorm.DB, documentID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DocumentChunk{}).Where("document_id = ?", documentID).Count(&n).Error
	return n, err
}

// DeleteChunksByDocument removes every chunk of documentID and returns how
// many rows were deleted.
func DeleteChunksByDocument(ctx context.Context, db *gorm.DB, documentID string) (int64, error) {
	res := db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&domain.DocumentChunk{})
	return res.RowsAffected, res.Error
}

// EachEmbeddedChunk streams every embedded chunk to fn in primary-key
// ordered batches.
func EachEmbeddedChunk(ctx context.Context, db *gorm.DB, fn func(batch []domain.DocumentChunk) error) error {
	var batch []domain.DocumentChunk
	res := db.WithContext(ctx).
		Where("embedding IS NOT NULL").
		FindInBatches(&batch, chunkBatchSize*5, func(_ *gorm.DB, _ int) error {
			return fn(batch)
		})
	return res.Error
}

// ChunkStats returns the total number of chunks and how many carry an embedding.
func ChunkStats(ctx context.Context, db *gorm.DB) (total, embedded int64, err error) {
	if err = db.WithContext(ctx).Model(&domain.DocumentChunk{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = db.WithContext(ctx).Model(&domain.DocumentChunk{}).Where("embedding IS NOT NULL").Count(&embedded).Error
	return total, embedded, err
}
