package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/ingest"
	"github.com/tbourn/course-rag-backend/internal/repo"
)

// MaterialInput registers a course document that is already on disk.
type MaterialInput struct {
	Title      string `json:"title"`
	FilePath   string `json:"file_path"`
	Category   string `json:"category"`
	Topic      string `json:"topic,omitempty"`
	WeekNumber *int   `json:"week_number,omitempty"`
	UploadedBy string `json:"-"`
}

// MaterialService is the registry of course materials that own chunks.
type MaterialService struct {
	DB     *gorm.DB
	Chunks *ChunkService

	// BaseDir resolves relative file paths. Empty means the working directory.
	BaseDir string
}

// Register validates in and stores a new, unindexed material.
func (s *MaterialService) Register(ctx context.Context, in MaterialInput) (*domain.CourseMaterial, error) {
	path := strings.TrimSpace(in.FilePath)
	if path == "" {
		return nil, invalid("file_path", "required")
	}
	if !filepath.IsAbs(path) && s.BaseDir != "" {
		path = filepath.Join(s.BaseDir, path)
	}
	ft := ingest.FileType(path)
	if !slices.Contains(ingest.SupportedTypes, ft) {
		return nil, invalid("file_path", "unsupported file type "+ft)
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return nil, invalid("file_path", "file not readable")
	}
	if !domain.ValidCategory(in.Category) {
		return nil, invalid("category", "must be theory or lab")
	}
	if in.WeekNumber != nil && (*in.WeekNumber < 1 || *in.WeekNumber > 52) {
		return nil, invalid("week_number", "must be within 1..52")
	}

	m := &domain.CourseMaterial{
		Title:      strings.TrimSpace(in.Title),
		FileName:   filepath.Base(path),
		FilePath:   path,
		FileType:   ft,
		Category:   in.Category,
		WeekNumber: in.WeekNumber,
		UploadedBy: in.UploadedBy,
	}
	if m.Title == "" {
		m.Title = strings.TrimSuffix(m.FileName, filepath.Ext(m.FileName))
	}
	if t := strings.TrimSpace(in.Topic); t != "" {
		m.Topic = &t
	}
	if err := repo.CreateMaterial(ctx, s.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a material by id.
func (s *MaterialService) Get(ctx context.Context, id string) (*domain.CourseMaterial, error) {
	m, err := repo.GetMaterial(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMaterialNotFound
	}
	return m, err
}

// List returns the materials matching f, newest first.
func (s *MaterialService) List(ctx context.Context, f repo.MaterialFilter) ([]domain.CourseMaterial, error) {
	if f.Category != "" && !domain.ValidCategory(f.Category) {
		return nil, invalid("category", "must be theory or lab")
	}
	out, err := repo.ListMaterials(ctx, s.DB, f)
	if out == nil && err == nil {
		out = []domain.CourseMaterial{}
	}
	return out, err
}

// ListChunks returns the stored chunks of a material.
func (s *MaterialService) ListChunks(ctx context.Context, id string) ([]domain.DocumentChunk, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Chunks.GetChunksByDocument(ctx, id)
}

// Delete removes a material, its chunks, and its index entries.
func (s *MaterialService) Delete(ctx context.Context, id string) error {
	err := repo.DeleteMaterial(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMaterialNotFound
	}
	if err != nil {
		return err
	}
	if s.Chunks != nil && s.Chunks.Index != nil {
		return s.Chunks.Index.Remove(ctx, id)
	}
	return nil
}
