package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation links the two parties of an appointment. The engine only
// appends system messages to it; the messaging transport lives elsewhere.
type Conversation struct {
	gorm.Model
	ProID    uint `gorm:"column:pro_id;not null;index" json:"pro_id"`
	ClientID uint `gorm:"column:client_id;not null;index" json:"client_id"`

	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message system flag values.
const (
	MessageKindUser   = "user"
	MessageKindSystem = "system"
)

type Message struct {
	gorm.Model
	ConversationID uint      `gorm:"column:conversation_id;not null;index" json:"conversation_id"`
	SenderID       uint      `gorm:"column:sender_id" json:"sender_id"` // 0 for system messages
	Kind           string    `gorm:"column:kind;size:10;not null;default:user" json:"kind"`
	Content        string    `gorm:"column:content;type:text;not null" json:"content"`
	ReadAt         time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}
