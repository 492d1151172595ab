// Package domain defines the persistence models for course materials, their
// embedded chunks, and the conversations built on top of them. These types are
// mapped with GORM and shared across the repository and service layers.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Material categories.
const (
	CategoryTheory = "theory"
	CategoryLab    = "lab"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultConversationTitle is the placeholder title of a conversation that
// has not been auto-titled or renamed yet.
const DefaultConversationTitle = "New Chat"

// ValidCategory reports whether c is a known material category.
func ValidCategory(c string) bool {
	return c == CategoryTheory || c == CategoryLab
}

// CourseMaterial is an uploaded course document that owns a set of chunks.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - FilePath: local path the ingestion pipeline reads from.
//   - Category: "theory" or "lab".
//   - WeekNumber: optional course week in 1..52.
//   - IsIndexed: true once every chunk of the material carries an embedding.
type CourseMaterial struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	Title      string    `json:"title"       gorm:"type:varchar(255);not null"`
	FileName   string    `json:"file_name"   gorm:"type:varchar(255);not null"`
	FilePath   string    `json:"file_path"   gorm:"type:text;not null"`
	FileType   string    `json:"file_type"   gorm:"type:varchar(16);not null"`
	Category   string    `json:"category"    gorm:"type:varchar(16);not null;index;check:category IN ('theory','lab')"`
	Topic      *string   `json:"topic,omitempty"       gorm:"type:varchar(255)"`
	WeekNumber *int      `json:"week_number,omitempty" gorm:"index"`
	IsIndexed  bool      `json:"is_indexed"  gorm:"not null;default:false"`
	UploadedBy string    `json:"uploaded_by" gorm:"type:varchar(64)"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for CourseMaterial.
func (CourseMaterial) TableName() string { return "course_materials" }

// DocumentChunk is a contiguous span of a material's text. Chunks with a
// non-null embedding are eligible for retrieval; file name, category, topic,
// and week are copied from the owning material at insert time.
type DocumentChunk struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	DocumentID string         `json:"document_id" gorm:"type:char(36);not null;uniqueIndex:ux_chunk_doc_index,priority:1"`
	ChunkIndex int            `json:"chunk_index" gorm:"not null;uniqueIndex:ux_chunk_doc_index,priority:2"`
	ChunkText  string         `json:"chunk_text"  gorm:"type:text;not null"`
	Embedding  datatypes.JSON `json:"-"`
	FileName   string         `json:"file_name"   gorm:"type:varchar(255);not null"`
	PageNumber *int           `json:"page_number,omitempty"`
	Category   *string        `json:"category,omitempty"    gorm:"type:varchar(16);index"`
	Topic      *string        `json:"topic,omitempty"       gorm:"type:varchar(255)"`
	WeekNumber *int           `json:"week_number,omitempty" gorm:"index"`
	CreatedAt  time.Time      `json:"created_at"`

	// Document is the owning material. Chunks are cascade-deleted with it.
	Document CourseMaterial `json:"-" gorm:"foreignKey:DocumentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DocumentChunk.
func (DocumentChunk) TableName() string { return "document_chunks" }

// Vector decodes the stored embedding. It returns nil when the chunk has not
// been embedded.
func (c *DocumentChunk) Vector() ([]float32, error) {
	if len(c.Embedding) == 0 || string(c.Embedding) == "null" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal(c.Embedding, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetVector encodes v into the embedding column. A nil or empty v clears it.
func (c *DocumentChunk) SetVector(v []float32) error {
	if len(v) == 0 {
		c.Embedding = nil
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Embedding = datatypes.JSON(b)
	return nil
}

// Embedded reports whether the chunk carries an embedding.
func (c *DocumentChunk) Embedded() bool {
	return len(c.Embedding) > 0 && string(c.Embedding) != "null"
}

// Conversation is a chat thread owned by a user. The oldest SummarizedCount
// messages are folded into RollingSummary; the rest form the raw window.
//
// Invariants:
//   - MessageCount equals the number of ChatMessage rows and never decreases.
//   - SummarizedCount <= MessageCount.
type Conversation struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID          string    `json:"user_id"          gorm:"type:varchar(64);not null;index:idx_user_conversations"`
	Title           string    `json:"title"            gorm:"type:varchar(255);not null;default:'New Chat'"`
	RollingSummary  string    `json:"rolling_summary"  gorm:"type:text;not null;default:''"`
	MessageCount    int       `json:"message_count"    gorm:"not null;default:0"`
	SummarizedCount int       `json:"summarized_count" gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"       gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Source is a validated citation attached to an assistant message.
type Source struct {
	FileName   string  `json:"file_name"`
	PageNumber *int    `json:"page_number,omitempty"`
	Excerpt    string  `json:"excerpt"`
	Similarity float64 `json:"similarity"`
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
}

// ChatMessage is a single turn of a conversation. Seq is the 1-based position
// of the message within its conversation and defines chronological order.
type ChatMessage struct {
	ID             string                      `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string                      `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_conversation_seq,priority:1"`
	Seq            int                         `json:"seq"             gorm:"not null;uniqueIndex:ux_conversation_seq,priority:2"`
	Role           string                      `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content        string                      `json:"content"         gorm:"type:text;not null"`
	Sources        datatypes.JSONSlice[Source] `json:"sources"`
	CreatedAt      time.Time                   `json:"created_at"`

	// Conversation is the parent thread. Messages are cascade-deleted with it.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }
