// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ChatMessage.
// Messages are always ordered by seq, their 1-based position in the
// conversation.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/course-rag-backend/internal/domain"
)

// CreateMessages inserts msgs as given. Seq, IDs and timestamps are the
// caller's responsibility.
func CreateMessages(ctx context.Context, db *gorm.DB, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Omit("Conversation").Create(&msgs).Error
}

// ListMessages returns every message of a conversation in chronological order.
func ListMessages(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.ChatMessage, error) {
	out := []domain.ChatMessage{}
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// ListMessagesRange returns messages with afterSeq < seq <= uptoSeq.
func ListMessagesRange(ctx context.Context, db *gorm.DB, conversationID string, afterSeq, uptoSeq int) ([]domain.ChatMessage, error) {
	out := []domain.ChatMessage{}
	if uptoSeq <= afterSeq {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ? AND seq <= ?", conversationID, afterSeq, uptoSeq).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// ListRecentMessages returns the last n messages in chronological order.
func ListRecentMessages(ctx context.Context, db *gorm.DB, conversationID string, n int) ([]domain.ChatMessage, error) {
	out := []domain.ChatMessage{}
	if n <= 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a page of messages in chronological order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.ChatMessage, error) {
	out := []domain.ChatMessage{}
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
