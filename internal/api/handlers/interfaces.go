package handlers

import (
	"context"

	"github.com/arabialabs/arabia-rag/internal/chat"
	"github.com/arabialabs/arabia-rag/internal/storage"
)

// ChatService is the orchestration surface the chat handlers consume.
type ChatService interface {
	// Send runs the pipeline and returns one response payload.
	Send(ctx context.Context, req chat.Request) (*chat.Response, error)

	// Stream runs the pipeline, delivering named events through emit.
	Stream(ctx context.Context, req chat.Request, emit chat.EmitFunc)
}

// ConversationStore is the persistence surface the conversation handlers
// consume.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID string, anonymous bool) (*storage.Conversation, error)
	GetConversations(ctx context.Context, userID string) ([]storage.Conversation, error)
	GetConversationMessages(ctx context.Context, conversationID, userID string) ([]storage.Message, error)
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}
