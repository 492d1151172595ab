package domain

import "time"

// Idempotency records the outcome of a previously processed answer request,
// keyed by (user_id, conversation_id, key). A retry carrying the same key
// returns the stored assistant message instead of calling the models again.
type Idempotency struct {
	ID             string    `gorm:"type:varchar(36);not null;primaryKey"`
	UserID         string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_conv_key,priority:1"`
	ConversationID string    `gorm:"type:varchar(36);not null;uniqueIndex:ux_user_conv_key,priority:2"`
	Key            string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_user_conv_key,priority:3"`
	MessageID      string    `gorm:"type:varchar(36);not null"`
	Status         int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
