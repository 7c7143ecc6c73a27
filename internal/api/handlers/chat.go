package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/arabialabs/arabia-rag/internal/api/middleware"
	"github.com/arabialabs/arabia-rag/internal/api/sse"
	"github.com/arabialabs/arabia-rag/internal/chat"
)

// MaxMessageLength bounds the incoming message size in runes.
const MaxMessageLength = 2000

// ChatRequestBody represents the incoming chat request body.
type ChatRequestBody struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatValidationError represents a validation error for chat requests.
type ChatValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateChatRequest validates the chat request body.
func ValidateChatRequest(req *ChatRequestBody) []ChatValidationError {
	var errs []ChatValidationError

	content := strings.TrimSpace(req.Content)
	if content == "" {
		errs = append(errs, ChatValidationError{
			Field:   "content",
			Message: "Content is required",
		})
	} else if utf8.RuneCountInString(content) > MaxMessageLength {
		errs = append(errs, ChatValidationError{
			Field:   "content",
			Message: "Content must not exceed 2000 characters",
		})
	}

	return errs
}

// decodeChatRequest parses and validates the body, writing the error
// response itself on failure.
func decodeChatRequest(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*ChatRequestBody, bool) {
	var req ChatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("failed to decode chat request", "error", err)
		RespondBadRequest(w, "Invalid request body")
		return nil, false
	}

	if validationErrors := ValidateChatRequest(&req); len(validationErrors) > 0 {
		logger.Warn("chat request validation failed", "errors", validationErrors)
		RespondValidationError(w, validationErrors)
		return nil, false
	}

	req.Content = strings.TrimSpace(req.Content)
	return &req, true
}

// HandleChat returns a handler for non-streaming chat turns.
// POST /api/v1/chat
func HandleChat(service ChatService, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		req, ok := decodeChatRequest(w, r, logger)
		if !ok {
			return
		}

		identity := middleware.IdentityFromContext(r.Context())
		logger.Info("processing chat request",
			"conversation_id", req.ConversationID,
			"anonymous", identity.Anonymous,
			"message_length", len(req.Content),
		)

		response, err := service.Send(r.Context(), chat.Request{
			UserID:         identity.UserID,
			Content:        req.Content,
			ConversationID: req.ConversationID,
			Anonymous:      identity.Anonymous,
		})
		if err != nil {
			logger.Error("chat pipeline failed", "error", err)
			RespondInternalError(w, "Failed to process your message. Please try again.")
			return
		}

		logger.Info("chat request completed",
			"conversation_id", response.ConversationID,
			"sources", len(response.Sources),
			"fallback_used", response.FallbackUsed,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		RespondJSON(w, http.StatusOK, response)
	}
}

// HandleChatStream returns a handler for streaming chat turns over SSE.
// POST /api/v1/chat/stream
func HandleChatStream(service ChatService, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r, logger)
		if !ok {
			return
		}

		writer, err := sse.NewWriter(w)
		if err != nil {
			logger.Error("streaming unsupported by connection", "error", err)
			RespondInternalError(w, "Streaming is not supported on this connection")
			return
		}

		identity := middleware.IdentityFromContext(r.Context())
		logger.Info("processing streaming chat request",
			"conversation_id", req.ConversationID,
			"anonymous", identity.Anonymous,
		)

		service.Stream(r.Context(), chat.Request{
			UserID:         identity.UserID,
			Content:        req.Content,
			ConversationID: req.ConversationID,
			Anonymous:      identity.Anonymous,
		}, func(event chat.Event) error {
			return writer.WriteEvent(event.Type, event.Data)
		})
	}
}
