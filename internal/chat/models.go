package chat

import (
	"time"

	"gorm.io/datatypes"
)

const DefaultTitle = "New Chat"

type Chat struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);index;not null" json:"userId"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Pinned    bool      `gorm:"not null;default:false" json:"pinned"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

func (Chat) TableName() string { return "chats" }

// Message rows are append-only. Content holds the JSON-encoded []Part.
// Ids are client-proposed, so they are unique per chat only.
type Message struct {
	ChatID    string         `gorm:"type:varchar(64);primaryKey;index:idx_messages_chat_created,priority:1" json:"chatId"`
	ID        string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	Role      string         `gorm:"type:varchar(16);not null" json:"role"`
	Content   datatypes.JSON `gorm:"not null" json:"content"`
	CreatedAt time.Time      `gorm:"index:idx_messages_chat_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string { return "messages" }

// Stream records a resumable stream id for a chat.
type Stream struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	ChatID    string    `gorm:"type:varchar(64);not null;index" json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Stream) TableName() string { return "streams" }

// Summary is a chat row annotated for listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Pinned       bool      `json:"pinned"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int64     `json:"messageCount"`
}
