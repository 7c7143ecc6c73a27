package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/arabialabs/arabia-rag/internal/llm"
	"github.com/arabialabs/arabia-rag/internal/rag"
	"github.com/arabialabs/arabia-rag/internal/storage"
)

// Fixed degraded messages. Users always get one of these or a real answer,
// never a raw error.
const (
	NoResultsMessage       = "I couldn't find specific information about that topic in my knowledge base."
	RetrievalErrorMessage  = "I'm having trouble finding relevant information right now."
	FormattingErrorMessage = "I'm having trouble processing the information for your question."
	CriticalErrorMessage   = "I apologize, but something went wrong while processing your request."
)

// AISentinelUserID marks assistant turns in the message store.
const AISentinelUserID = "ai"

// Retriever yields relevance-ranked document matches for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) []rag.DocumentMatch
}

// ContextFormatter renders matches into prompt context and citation sources.
type ContextFormatter interface {
	Format(matches []rag.DocumentMatch) (string, []rag.Source)
}

// Generator is the LLM gateway surface the orchestrators consume.
type Generator interface {
	Generate(ctx context.Context, req llm.CompletionRequest) (*llm.GenerateResult, error)
	GenerateStream(ctx context.Context, req llm.CompletionRequest) (*llm.StreamResult, error)
}

// Config holds orchestration configuration.
type Config struct {
	TopK             int
	HistoryWindow    int
	AnonymousHistory bool
	StreamChunkSize  int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TopK:            5,
		HistoryWindow:   DefaultHistoryWindow,
		StreamChunkSize: 50,
	}
}

// Request is one incoming chat turn with a resolved identity.
type Request struct {
	UserID         string
	Content        string
	ConversationID string
	Anonymous      bool
}

// Response is the orchestration output for a non-streaming turn.
// ErrorDetail being set does not imply the response itself is an error;
// partial degradation is allowed.
type Response struct {
	Response       string       `json:"response"`
	Sources        []rag.Source `json:"sources"`
	ConversationID string       `json:"conversation_id"`
	AIMessageID    string       `json:"ai_message_id,omitempty"`
	ModelUsed      string       `json:"model_used,omitempty"`
	FallbackUsed   bool         `json:"fallback_used"`
	ErrorDetail    string       `json:"error_detail,omitempty"`
}

// Service is the canonical question-answering pipeline. Both response modes
// run the same stage sequence; Send returns one payload, Stream emits events.
type Service struct {
	retriever Retriever
	formatter ContextFormatter
	generator Generator
	store     storage.ConversationStore
	logger    *slog.Logger
	config    Config
}

// NewService creates a new chat service.
func NewService(
	retriever Retriever,
	formatter ContextFormatter,
	generator Generator,
	store storage.ConversationStore,
	logger *slog.Logger,
	config Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	return &Service{
		retriever: retriever,
		formatter: formatter,
		generator: generator,
		store:     store,
		logger:    logger.With("component", "chat_service"),
		config:    config,
	}
}

// Send runs the full pipeline for one turn and returns the response. Only a
// dead request context yields an error; every other failure degrades into
// the response, and a panic anywhere converts to the critical message.
func (s *Service) Send(ctx context.Context, req Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in chat pipeline", "panic", r)
			resp = &Response{
				Response:       CriticalErrorMessage,
				Sources:        []rag.Source{},
				ConversationID: req.ConversationID,
				ErrorDetail:    "internal error",
			}
			err = nil
		}
	}()

	st := s.begin(ctx, req)

	matches := s.retriever.Retrieve(ctx, req.Content, s.config.TopK)
	if len(matches) == 0 {
		msg := NoResultsMessage
		if ctx.Err() != nil {
			msg = RetrievalErrorMessage
		}
		return s.finishDegraded(ctx, st, msg, "retrieval produced no documents"), nil
	}

	contextText, sources := s.formatter.Format(matches)
	if len(sources) == 0 {
		return s.finishDegraded(ctx, st, FormattingErrorMessage, "no usable documents after formatting"), nil
	}

	prompt := ConstructPrompt(st.historyText, contextText, req.Content)
	s.logger.Debug("prompt constructed",
		"documents", len(sources),
		"token_estimate", EstimateTokens(prompt),
	)

	result, err := s.generator.Generate(ctx, llm.CompletionRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	if result.ErrorDetail != "" {
		st.addDetail(result.ErrorDetail)
		// Degraded content is stored without sources; the citations did not
		// contribute to the message the user actually sees.
		sources = nil
	}

	aiMessageID := s.storeAIMessage(ctx, st, result.Content, sources)

	return &Response{
		Response:       result.Content,
		Sources:        ensureSources(sources),
		ConversationID: st.conversationID,
		AIMessageID:    aiMessageID,
		ModelUsed:      result.ModelUsed,
		FallbackUsed:   result.FallbackUsed,
		ErrorDetail:    st.errorDetail,
	}, nil
}

// turnState accumulates per-turn context shared by the pipeline stages.
type turnState struct {
	req            Request
	conversationID string
	historyText    string
	errorDetail    string
}

func (st *turnState) addDetail(detail string) {
	if st.errorDetail == "" {
		st.errorDetail = detail
		return
	}
	st.errorDetail += "; " + detail
}

// begin runs the non-terminal leading stages: conversation resolution,
// history fetch, and user-message storage. Failures here degrade and are
// recorded, never aborting the turn.
func (s *Service) begin(ctx context.Context, req Request) *turnState {
	st := &turnState{req: req, conversationID: req.ConversationID, historyText: NoHistoryMarker}

	if st.conversationID == "" {
		conv, err := s.store.CreateConversation(ctx, req.UserID, req.Anonymous)
		if err != nil {
			s.logger.Error("conversation creation failed", "error", err)
			if errors.Is(err, storage.ErrUnavailable) {
				st.addDetail("conversation storage unavailable")
			} else {
				st.addDetail("conversation creation failed")
			}
		} else {
			st.conversationID = conv.ID
		}
	}

	includeHistory := !req.Anonymous || s.config.AnonymousHistory
	if includeHistory && st.conversationID != "" {
		history, err := s.store.GetHistory(ctx, st.conversationID, s.config.HistoryWindow)
		if err != nil {
			s.logger.Warn("history fetch failed", "conversation_id", st.conversationID, "error", err)
			st.addDetail("history unavailable")
		} else {
			st.historyText = FormatHistory(history, s.config.HistoryWindow)
		}
	}

	if _, err := s.store.StoreMessage(ctx, storage.StoreMessageParams{
		UserID:         req.UserID,
		Content:        req.Content,
		MessageType:    storage.MessageTypeUser,
		ConversationID: st.conversationID,
		Anonymous:      req.Anonymous,
	}); err != nil {
		s.logger.Warn("failed to store user message", "error", err)
	}

	return st
}

// finishDegraded stores and returns one of the fixed terminal messages.
func (s *Service) finishDegraded(ctx context.Context, st *turnState, message, detail string) *Response {
	st.addDetail(detail)
	aiMessageID := s.storeAIMessage(ctx, st, message, nil)

	return &Response{
		Response:       message,
		Sources:        []rag.Source{},
		ConversationID: st.conversationID,
		AIMessageID:    aiMessageID,
		ErrorDetail:    st.errorDetail,
	}
}

// storeAIMessage persists the assistant turn best-effort and bumps the
// conversation timestamp. Returns the message id, empty when nothing was
// persisted.
func (s *Service) storeAIMessage(ctx context.Context, st *turnState, content string, sources []rag.Source) string {
	msg, err := s.store.StoreMessage(ctx, storage.StoreMessageParams{
		UserID:         AISentinelUserID,
		Content:        content,
		MessageType:    storage.MessageTypeAssistant,
		ConversationID: st.conversationID,
		Sources:        sources,
		Anonymous:      st.req.Anonymous,
	})
	if err != nil {
		s.logger.Warn("failed to store assistant message", "error", err)
		return ""
	}

	if err := s.store.TouchConversation(ctx, st.conversationID); err != nil {
		s.logger.Warn("failed to update conversation timestamp",
			"conversation_id", st.conversationID,
			"error", err,
		)
	}

	return msg.ID
}

func ensureSources(sources []rag.Source) []rag.Source {
	if sources == nil {
		return []rag.Source{}
	}
	return sources
}
