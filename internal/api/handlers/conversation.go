package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arabialabs/arabia-rag/internal/api/middleware"
	"github.com/arabialabs/arabia-rag/internal/storage"
)

// ListConversations returns the caller's conversations, most recently
// updated first. Anonymous callers get an empty list.
// GET /api/v1/conversations
func ListConversations(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity := middleware.IdentityFromContext(r.Context())
		if identity.Anonymous {
			RespondJSON(w, http.StatusOK, []storage.Conversation{})
			return
		}

		conversations, err := store.GetConversations(r.Context(), identity.UserID)
		if err != nil {
			logger.Error("failed to list conversations", "user_id", identity.UserID, "error", err)
			RespondInternalError(w, "Failed to load conversations")
			return
		}
		if conversations == nil {
			conversations = []storage.Conversation{}
		}

		RespondJSON(w, http.StatusOK, conversations)
	}
}

// CreateConversation creates an empty conversation for the caller.
// Anonymous callers get a synthesized, unpersisted conversation.
// POST /api/v1/conversations
func CreateConversation(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity := middleware.IdentityFromContext(r.Context())

		conversation, err := store.CreateConversation(r.Context(), identity.UserID, identity.Anonymous)
		if err != nil {
			logger.Error("failed to create conversation", "user_id", identity.UserID, "error", err)
			if errors.Is(err, storage.ErrUnavailable) {
				RespondServiceUnavailable(w, "")
				return
			}
			RespondInternalError(w, "Failed to create conversation")
			return
		}

		RespondCreated(w, conversation)
	}
}

// GetConversationMessages returns the messages of a conversation owned by
// the caller, oldest first, with sources on assistant turns.
// GET /api/v1/conversations/{id}/messages
func GetConversationMessages(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "id")
		identity := middleware.IdentityFromContext(r.Context())
		if identity.Anonymous {
			RespondForbidden(w, "")
			return
		}

		messages, err := store.GetConversationMessages(r.Context(), conversationID, identity.UserID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			RespondNotFound(w, "Conversation not found")
			return
		case errors.Is(err, storage.ErrForbidden):
			RespondForbidden(w, "")
			return
		case errors.Is(err, storage.ErrUnavailable):
			RespondServiceUnavailable(w, "")
			return
		case err != nil:
			logger.Error("failed to load messages", "conversation_id", conversationID, "error", err)
			RespondInternalError(w, "Failed to load messages")
			return
		}
		if messages == nil {
			messages = []storage.Message{}
		}

		RespondJSON(w, http.StatusOK, messages)
	}
}
