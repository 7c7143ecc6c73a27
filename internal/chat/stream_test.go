package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arabialabs/arabia-rag/internal/llm"
	"github.com/arabialabs/arabia-rag/internal/rag"
)

// eventRecorder captures emitted events and can simulate a dead client.
type eventRecorder struct {
	events  []Event
	failAt  string
	failNow bool
}

func (r *eventRecorder) emit(e Event) error {
	if r.failNow || (r.failAt != "" && e.Type == r.failAt) {
		r.failNow = true
		return errors.New("client gone")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []string {
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

func (r *eventRecorder) last() Event {
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) content() string {
	var b strings.Builder
	for _, e := range r.events {
		if e.Type == EventContent {
			b.WriteString(e.Data.(string))
		}
	}
	return b.String()
}

func (r *eventRecorder) count(eventType string) int {
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func streamingService(tokens []string, store *MockStore) (*Service, *MockGenerator) {
	generator := &MockGenerator{streamResult: &llm.StreamResult{
		Stream:    &errStream{tokens: tokens},
		ModelUsed: "mistral/mistral-small-latest",
	}}
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "ctx", sources: []rag.Source{{DocumentID: "1681_204"}}}
	return newTestService(retriever, formatter, generator, store), generator
}

func TestStream_HappyPathEventOrder(t *testing.T) {
	store := &MockStore{}
	svc, _ := streamingService([]string{"Zakat ", "is ", "obligatory."}, store)
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "What is Zakat?"}, rec.emit)

	want := []string{
		EventThinking, EventRetrieving, EventFormatting, EventGenerating,
		EventContent, EventContent, EventContent,
		EventSources, EventMessageID, EventFinal, EventDone,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if rec.content() != "Zakat is obligatory." {
		t.Errorf("unexpected accumulated content %q", rec.content())
	}

	final, ok := rec.events[len(rec.events)-2].Data.(FinalMetadata)
	if !ok {
		t.Fatal("final event payload is not FinalMetadata")
	}
	if final.ModelUsed != "mistral/mistral-small-latest" {
		t.Errorf("unexpected model %q", final.ModelUsed)
	}
	if final.ErrorDetail != "" {
		t.Errorf("unexpected error detail %q", final.ErrorDetail)
	}
}

func TestStream_AnonymousOmitsMessageID(t *testing.T) {
	svc, _ := streamingService([]string{"answer"}, &MockStore{})
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{Content: "question", Anonymous: true}, rec.emit)

	if rec.count(EventMessageID) != 0 {
		t.Error("anonymous stream must not emit message_id")
	}
	if rec.last().Type != EventDone {
		t.Errorf("stream must end with done, got %s", rec.last().Type)
	}
}

func TestStream_NoResultsEndsWithDone(t *testing.T) {
	svc := newTestService(&MockRetriever{}, &MockFormatter{}, &MockGenerator{}, &MockStore{})
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "question"}, rec.emit)

	if rec.last().Type != EventDone {
		t.Fatalf("stream must end with done, got %s", rec.last().Type)
	}
	if rec.count(EventError) != 1 {
		t.Errorf("expected 1 error event, got %d", rec.count(EventError))
	}
	if rec.content() != NoResultsMessage {
		t.Errorf("expected chunked %q, got %q", NoResultsMessage, rec.content())
	}
}

func TestStream_FormattingFailureEndsWithDone(t *testing.T) {
	retriever := &MockRetriever{matches: zakatMatches()}
	svc := newTestService(retriever, &MockFormatter{}, &MockGenerator{}, &MockStore{})
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "question"}, rec.emit)

	if rec.last().Type != EventDone {
		t.Fatalf("stream must end with done, got %s", rec.last().Type)
	}
	if rec.content() != FormattingErrorMessage {
		t.Errorf("expected chunked %q, got %q", FormattingErrorMessage, rec.content())
	}
}

func TestStream_InitiationFailureEndsWithDone(t *testing.T) {
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "ctx", sources: []rag.Source{{DocumentID: "1_1"}}}
	generator := &MockGenerator{streamErr: errors.New("all providers down")}
	svc := newTestService(retriever, formatter, generator, &MockStore{})
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "question"}, rec.emit)

	if rec.last().Type != EventDone {
		t.Fatalf("stream must end with done, got %s", rec.last().Type)
	}
	if rec.content() != llm.ServiceUnavailableMessage {
		t.Errorf("expected chunked %q, got %q", llm.ServiceUnavailableMessage, rec.content())
	}

	final, ok := rec.events[len(rec.events)-2].Data.(FinalMetadata)
	if !ok {
		t.Fatal("final event payload is not FinalMetadata")
	}
	if !strings.Contains(final.ErrorDetail, "generation unavailable") {
		t.Errorf("expected detail in final metadata, got %q", final.ErrorDetail)
	}
}

func TestStream_MidStreamErrorEndsWithDone(t *testing.T) {
	store := &MockStore{}
	generator := &MockGenerator{streamResult: &llm.StreamResult{
		Stream: &errStream{tokens: []string{"partial "}, err: errors.New("connection reset")},
	}}
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "ctx", sources: []rag.Source{{DocumentID: "1_1"}}}
	svc := newTestService(retriever, formatter, generator, store)
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "question"}, rec.emit)

	if rec.last().Type != EventDone {
		t.Fatalf("stream must end with done, got %s", rec.last().Type)
	}
	if rec.count(EventError) != 1 {
		t.Errorf("expected 1 error event, got %d", rec.count(EventError))
	}
	// The partial content collected before the failure is what gets stored.
	if store.lastSources != nil {
		t.Error("interrupted generation should be stored without sources")
	}
}

func TestStream_EmptyGenerationFallsBackToFixedMessage(t *testing.T) {
	svc, _ := streamingService(nil, &MockStore{})
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "question"}, rec.emit)

	if rec.content() != llm.ServiceUnavailableMessage {
		t.Errorf("expected the fixed message, got %q", rec.content())
	}
	if rec.last().Type != EventDone {
		t.Errorf("stream must end with done, got %s", rec.last().Type)
	}
}

func TestStream_ClientDisconnectStopsEmission(t *testing.T) {
	store := &MockStore{}
	svc, _ := streamingService([]string{"a", "b", "c"}, store)
	rec := &eventRecorder{failAt: EventContent}

	svc.Stream(context.Background(), Request{UserID: "u", Content: "question"}, rec.emit)

	if rec.count(EventDone) != 0 {
		t.Error("no done event should reach a dead client")
	}
	// Both turns are still persisted for the conversation record.
	if len(store.messages) != 2 {
		t.Errorf("expected 2 messages persisted despite disconnect, got %d", len(store.messages))
	}
}

func TestStream_PanicEmitsCriticalSequence(t *testing.T) {
	svc := newTestService(&MockRetriever{panics: true}, &MockFormatter{}, &MockGenerator{}, &MockStore{})
	rec := &eventRecorder{}

	svc.Stream(context.Background(), Request{Content: "question"}, rec.emit)

	if rec.last().Type != EventDone {
		t.Fatalf("stream must end with done, got %s", rec.last().Type)
	}
	if rec.count(EventError) != 1 {
		t.Errorf("expected 1 error event, got %d", rec.count(EventError))
	}
	if rec.content() != CriticalErrorMessage {
		t.Errorf("expected chunked critical message, got %q", rec.content())
	}
}
