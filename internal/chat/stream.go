package chat

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/arabialabs/arabia-rag/internal/llm"
	"github.com/arabialabs/arabia-rag/internal/rag"
)

// Stream event types, in emission order. Error events interleave on
// failure; done always closes the stream.
const (
	EventThinking   = "thinking"
	EventRetrieving = "retrieving"
	EventFormatting = "formatting"
	EventGenerating = "generating"
	EventContent    = "content"
	EventSources    = "sources"
	EventMessageID  = "message_id"
	EventError      = "error"
	EventFinal      = "final"
	EventDone       = "done"
)

// Event is one named stream event. Data is type-dependent: a string for
// content and message_id, []rag.Source for sources, FinalMetadata for final,
// nil for the stage markers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// FinalMetadata is the payload of the final event.
type FinalMetadata struct {
	ConversationID string `json:"conversation_id"`
	ModelUsed      string `json:"model_used,omitempty"`
	FallbackUsed   bool   `json:"fallback_used"`
	ErrorDetail    string `json:"error_detail,omitempty"`
}

// EmitFunc delivers one event to the client. An error means the client is
// unreachable and the pipeline should stop producing.
type EmitFunc func(Event) error

// Stream runs the pipeline for one turn, emitting named events instead of
// returning a payload. The event sequence always terminates with done, no
// matter which stage failed; only an unreachable client cuts it short.
func (s *Service) Stream(ctx context.Context, req Request, emit EmitFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in streaming pipeline", "panic", r)
			emit(Event{Type: EventError, Data: "internal error"})
			s.emitChunks(emit, CriticalErrorMessage)
			emit(Event{Type: EventFinal, Data: FinalMetadata{ConversationID: req.ConversationID, ErrorDetail: "internal error"}})
			emit(Event{Type: EventDone})
		}
	}()

	if err := emit(Event{Type: EventThinking}); err != nil {
		return
	}

	st := s.begin(ctx, req)

	if err := emit(Event{Type: EventRetrieving}); err != nil {
		return
	}
	matches := s.retriever.Retrieve(ctx, req.Content, s.config.TopK)
	if len(matches) == 0 {
		msg := NoResultsMessage
		if ctx.Err() != nil {
			msg = RetrievalErrorMessage
		}
		s.streamDegraded(ctx, st, emit, msg, "retrieval produced no documents")
		return
	}

	if err := emit(Event{Type: EventFormatting}); err != nil {
		return
	}
	contextText, sources := s.formatter.Format(matches)
	if len(sources) == 0 {
		s.streamDegraded(ctx, st, emit, FormattingErrorMessage, "no usable documents after formatting")
		return
	}

	if err := emit(Event{Type: EventGenerating}); err != nil {
		return
	}
	prompt := ConstructPrompt(st.historyText, contextText, req.Content)

	result, err := s.generator.GenerateStream(ctx, llm.CompletionRequest{Prompt: prompt})
	if err != nil {
		s.logger.Error("stream initiation failed", "error", err)
		st.addDetail("generation unavailable")
		s.streamDegraded(ctx, st, emit, llm.ServiceUnavailableMessage, "")
		return
	}
	defer result.Stream.Close()

	var answer strings.Builder
	clientGone := false
	for {
		if ctx.Err() != nil {
			// Client disconnected; stop consuming provider tokens.
			clientGone = true
			break
		}

		token, err := result.Stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.logger.Error("stream delivery failed", "error", err)
			st.addDetail("generation interrupted")
			if emit(Event{Type: EventError, Data: "generation was interrupted"}) != nil {
				clientGone = true
			}
			break
		}

		answer.WriteString(token)
		if emit(Event{Type: EventContent, Data: token}) != nil {
			clientGone = true
			break
		}
	}

	content := answer.String()
	if content == "" {
		st.addDetail("generation produced no content")
		content = llm.ServiceUnavailableMessage
		if !clientGone {
			s.emitChunks(emit, content)
		}
	}

	if !clientGone {
		if emit(Event{Type: EventSources, Data: ensureSources(sources)}) != nil {
			clientGone = true
		}
	}

	storedSources := sources
	if st.errorDetail != "" {
		storedSources = nil
	}
	aiMessageID := s.storeAIMessage(ctx, st, content, storedSources)

	if clientGone {
		return
	}

	if aiMessageID != "" && !req.Anonymous {
		if emit(Event{Type: EventMessageID, Data: aiMessageID}) != nil {
			return
		}
	}

	emit(Event{Type: EventFinal, Data: FinalMetadata{
		ConversationID: st.conversationID,
		ModelUsed:      result.ModelUsed,
		FallbackUsed:   result.FallbackUsed,
		ErrorDetail:    st.errorDetail,
	}})
	emit(Event{Type: EventDone})
}

// streamDegraded emits the fixed degraded sequence for a terminal stage
// failure: error event, the message as content chunks, then final and done.
func (s *Service) streamDegraded(ctx context.Context, st *turnState, emit EmitFunc, message, detail string) {
	if detail != "" {
		st.addDetail(detail)
	}

	if emit(Event{Type: EventError, Data: message}) != nil {
		s.storeAIMessage(ctx, st, message, nil)
		return
	}
	s.emitChunks(emit, message)
	emit(Event{Type: EventSources, Data: []rag.Source{}})

	aiMessageID := s.storeAIMessage(ctx, st, message, nil)
	if aiMessageID != "" && !st.req.Anonymous {
		emit(Event{Type: EventMessageID, Data: aiMessageID})
	}

	emit(Event{Type: EventFinal, Data: FinalMetadata{
		ConversationID: st.conversationID,
		ErrorDetail:    st.errorDetail,
	}})
	emit(Event{Type: EventDone})
}

// emitChunks streams a synthesized message as content chunks of the
// configured size, so degraded turns look like generated ones to clients.
func (s *Service) emitChunks(emit EmitFunc, message string) {
	size := s.config.StreamChunkSize
	if size <= 0 {
		size = 50
	}
	for start := 0; start < len(message); start += size {
		end := start + size
		if end > len(message) {
			end = len(message)
		}
		if emit(Event{Type: EventContent, Data: message[start:end]}) != nil {
			return
		}
	}
}
