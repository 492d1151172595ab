// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// CourseMaterial model, the registry that owns document chunks.
//
// All functions accept a *gorm.DB handle, so they work equally inside a
// transaction. Missing rows surface as ErrNotFound.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// MaterialFilter narrows ListMaterials. Zero values do not filter.
type MaterialFilter struct {
	Category string
	Week     *int
	Indexed  *bool
}

// CreateMaterial inserts m, assigning an ID when empty and UTC timestamps.
func CreateMaterial(ctx context.Context, db *gorm.DB, m *domain.CourseMaterial) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	return db.WithContext(ctx).Create(m).Error
}

// GetMaterial fetches a material by ID.
func GetMaterial(ctx context.Context, db *gorm.DB, id string) (*domain.CourseMaterial, error) {
	var m domain.CourseMaterial
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMaterials returns materials matching f, newest first.
func ListMaterials(ctx context.Context, db *gorm.DB, f MaterialFilter) ([]domain.CourseMaterial, error) {
	q := db.WithContext(ctx).Model(&domain.CourseMaterial{})
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Week != nil {
		q = q.Where("week_number = ?", *f.Week)
	}
	if f.Indexed != nil {
		q = q.Where("is_indexed = ?", *f.Indexed)
	}
	var out []domain.CourseMaterial
	err := q.Order("created_at desc, id asc").Find(&out).Error
	return out, err
}

// SetMaterialIndexed flips the is_indexed flag. A missing material is not an
// error; the affected row count is returned instead.
func SetMaterialIndexed(ctx context.Context, db *gorm.DB, id string, indexed bool) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.CourseMaterial{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_indexed": indexed, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// DeleteMaterial removes a material and its chunks. It returns ErrNotFound
// when no material matched.
func DeleteMaterial(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&domain.DocumentChunk{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.CourseMaterial{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountMaterials returns the total number of materials and how many are indexed.
func CountMaterials(ctx context.Context, db *gorm.DB) (total, indexed int64, err error) {
	q := db.WithContext(ctx).Model(&domain.CourseMaterial{})
	if err = q.Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = db.WithContext(ctx).Model(&domain.CourseMaterial{}).Where("is_indexed = ?", true).Count(&indexed).Error
	return total, indexed, err
}
