package storage

import (
	"time"

	"github.com/arabialabs/arabia-rag/internal/rag"
)

// Message types stored in the messages table.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "ai"
)

// Conversation represents a persisted chat conversation.
type Conversation struct {
	ID          string    `json:"conversation_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Message represents a single persisted chat message.
type Message struct {
	ID             string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	Content        string       `json:"content"`
	MessageType    string       `json:"message_type"`
	Timestamp      time.Time    `json:"timestamp"`
	Sources        []rag.Source `json:"sources,omitempty"`
}
