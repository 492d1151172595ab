// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// Error semantics:
//   - When a conversation is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - AdvanceConversation returns ErrStale when the row moved on since it was read.
//   - On other DB errors, the raw gorm error is propagated.
//
// Functions:
//
//   - CreateConversation(ctx, db, userID, title) -> *domain.Conversation, error
//     Inserts a Fresh conversation with UUID primary key and UTC timestamps.
//
//   - GetConversation(ctx, db, id) -> *domain.Conversation, error
//     Fetches by ID regardless of owner; ownership is a service concern.
//
//   - LockConversation(ctx, tx, id) -> *domain.Conversation, error
//     Like GetConversation, with SELECT ... FOR UPDATE on PostgreSQL.
//
//   - ListConversations / CountConversations / ListConversationsPage
//     Owner-scoped listings ordered by updated_at descending.
//
//   - UpdateConversationTitle(ctx, db, id, userID, title) -> error
//
//   - AdvanceConversation(ctx, tx, id, expectedCount, upd) -> error
//     Optimistically moves message_count, summarized_count and the summary.
//
//   - DeleteConversation(ctx, db, id) -> error
//     Removes the conversation and its messages.
//
// Usage:
//
//	conv, err := repo.GetConversation(ctx, db, id)
//	if errors.Is(err, repo.ErrNotFound) {
//	    // handle missing
//	}
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/course-rag-backend/internal/domain"
)

// ErrStale indicates an optimistic update lost a race with another writer.
var ErrStale = errors.New("stale conversation state")

// CreateConversation inserts a new conversation owned by userID.
func CreateConversation(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// LockConversation reads a conversation inside tx. On PostgreSQL the row is
// locked until tx ends; SQLite serializes writers on its own.
func LockConversation(ctx context.Context, tx *gorm.DB, id string) (*domain.Conversation, error) {
	q := tx.WithContext(ctx)
	if isPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var c domain.Conversation
	if err := q.Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all conversations of userID, most recently
// active first.
func ListConversations(ctx context.Context, db *gorm.DB, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc, id asc").
		Find(&out).Error
	return out, err
}

// CountConversations returns the number of conversations owned by userID.
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of conversations for userID ordered
// like ListConversations. The caller computes offset and limit.
func ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateConversationTitle renames a conversation owned by userID. It returns
// ErrNotFound when nothing matched.
func UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ConversationUpdate carries the new counters of a conversation after an
// append or a compression. Title is only written when non-empty.
type ConversationUpdate struct {
	MessageCount    int
	SummarizedCount int
	RollingSummary  string
	Title           string
	UpdatedAt       time.Time
}

// AdvanceConversation writes upd if the stored message_count still equals
// expectedCount, returning ErrStale otherwise.
func AdvanceConversation(ctx context.Context, tx *gorm.DB, id string, expectedCount int, upd ConversationUpdate) error {
	fields := map[string]any{
		"message_count":    upd.MessageCount,
		"summarized_count": upd.SummarizedCount,
		"rolling_summary":  upd.RollingSummary,
		"updated_at":       upd.UpdatedAt,
	}
	if upd.Title != "" {
		fields["title"] = upd.Title
	}
	res := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND message_count = ?", id, expectedCount).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages. It
// returns ErrNotFound when the conversation does not exist.
func DeleteConversation(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&domain.ChatMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
