package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arabialabs/arabia-rag/internal/llm"
	"github.com/arabialabs/arabia-rag/internal/rag"
	"github.com/arabialabs/arabia-rag/internal/storage"
)

// MockRetriever implements Retriever for testing.
type MockRetriever struct {
	matches   []rag.DocumentMatch
	lastQuery string
	lastTopK  int
	panics    bool
}

func (m *MockRetriever) Retrieve(ctx context.Context, query string, topK int) []rag.DocumentMatch {
	if m.panics {
		panic("retriever exploded")
	}
	m.lastQuery = query
	m.lastTopK = topK
	return m.matches
}

// MockFormatter implements ContextFormatter for testing.
type MockFormatter struct {
	contextText string
	sources     []rag.Source
}

func (m *MockFormatter) Format(matches []rag.DocumentMatch) (string, []rag.Source) {
	if m.contextText == "" && m.sources == nil {
		return rag.NoContextMarker, nil
	}
	return m.contextText, m.sources
}

// MockGenerator implements Generator for testing.
type MockGenerator struct {
	result       *llm.GenerateResult
	err          error
	streamResult *llm.StreamResult
	streamErr    error
	lastPrompt   string
}

func (m *MockGenerator) Generate(ctx context.Context, req llm.CompletionRequest) (*llm.GenerateResult, error) {
	m.lastPrompt = req.Prompt
	return m.result, m.err
}

func (m *MockGenerator) GenerateStream(ctx context.Context, req llm.CompletionRequest) (*llm.StreamResult, error) {
	m.lastPrompt = req.Prompt
	return m.streamResult, m.streamErr
}

// MockStore implements storage.ConversationStore in memory for testing.
type MockStore struct {
	messages       []storage.Message
	history        []storage.Message
	createCalls    int
	storeCalls     int
	touchCalls     int
	createErr      error
	storeErr       error
	historyErr     error
	createdAnon    bool
	lastSources    []rag.Source
}

func (m *MockStore) StoreMessage(ctx context.Context, params storage.StoreMessageParams) (*storage.Message, error) {
	m.storeCalls++
	if m.storeErr != nil {
		return nil, m.storeErr
	}
	id := uuid.New().String()
	if params.Anonymous {
		id = storage.NewAnonymousMessageID()
	}
	msg := storage.Message{
		ID:             id,
		ConversationID: params.ConversationID,
		UserID:         params.UserID,
		Content:        params.Content,
		MessageType:    params.MessageType,
		Timestamp:      time.Now().UTC(),
		Sources:        params.Sources,
	}
	if !params.Anonymous {
		m.messages = append(m.messages, msg)
	}
	if params.MessageType == storage.MessageTypeAssistant {
		m.lastSources = params.Sources
	}
	return &msg, nil
}

func (m *MockStore) CreateConversation(ctx context.Context, userID string, anonymous bool) (*storage.Conversation, error) {
	m.createCalls++
	m.createdAnon = anonymous
	if m.createErr != nil {
		return nil, m.createErr
	}
	id := uuid.New().String()
	if anonymous {
		id = storage.NewAnonymousConversationID()
	}
	return &storage.Conversation{ID: id, UserID: userID}, nil
}

func (m *MockStore) GetConversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
	return nil, nil
}

func (m *MockStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]storage.Message, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *MockStore) GetConversationMessages(ctx context.Context, conversationID, userID string) ([]storage.Message, error) {
	return m.messages, nil
}

func (m *MockStore) TouchConversation(ctx context.Context, conversationID string) error {
	m.touchCalls++
	return nil
}

func zakatMatches() []rag.DocumentMatch {
	return []rag.DocumentMatch{
		{
			ID:    "1681_204",
			Score: 0.9,
			Metadata: rag.DocumentMetadata{
				Text:     "Zakat is obligatory on wealth above the nisab.",
				BookName: "Sahih al-Bukhari",
				BookID:   "1681",
			},
		},
		{
			ID:    "1681_205",
			Score: 0.8,
			Metadata: rag.DocumentMetadata{
				Text:     "Zakat purifies the wealth of the giver.",
				BookName: "Sahih al-Bukhari",
				BookID:   "1681",
			},
		},
	}
}

func newTestService(r *MockRetriever, f *MockFormatter, g *MockGenerator, store *MockStore) *Service {
	return NewService(r, f, g, store, nil, DefaultConfig())
}

func TestSend_FullPipeline(t *testing.T) {
	matches := zakatMatches()
	formatter := rag.NewFormatter(nil, rag.DefaultFormatterConfig())
	contextText, sources := formatter.Format(matches)

	retriever := &MockRetriever{matches: matches}
	generator := &MockGenerator{result: &llm.GenerateResult{
		Content:   "Zakat is one of the five pillars of Islam.",
		ModelUsed: "mistral/mistral-small-latest",
	}}
	store := &MockStore{}

	svc := newTestService(retriever, &MockFormatter{contextText: contextText, sources: sources}, generator, store)

	resp, err := svc.Send(context.Background(), Request{UserID: "user-1", Content: "What is Zakat?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Response != "Zakat is one of the five pillars of Islam." {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(resp.Sources))
	}
	if resp.Sources[0].DocumentID != "1681_204" || resp.Sources[1].DocumentID != "1681_205" {
		t.Error("sources out of order")
	}
	if resp.Sources[0].URL != "https://shamela.ws/book/1681" {
		t.Errorf("unexpected source url %q", resp.Sources[0].URL)
	}
	if resp.ConversationID == "" {
		t.Error("expected a conversation id")
	}
	if resp.AIMessageID == "" {
		t.Error("expected a persisted ai message id")
	}
	if resp.ModelUsed != "mistral/mistral-small-latest" {
		t.Errorf("unexpected model %q", resp.ModelUsed)
	}
	if resp.ErrorDetail != "" {
		t.Errorf("unexpected error detail %q", resp.ErrorDetail)
	}

	// The prompt carries the history marker, both context blocks, and the
	// literal question.
	prompt := generator.lastPrompt
	for _, want := range []string{
		NoHistoryMarker,
		"Source Document [ID: 1681_204]",
		"Source Document [ID: 1681_205]",
		"Question: What is Zakat?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// One user turn and one assistant turn went to the store.
	if store.storeCalls != 2 {
		t.Errorf("expected 2 store calls, got %d", store.storeCalls)
	}
	if store.touchCalls != 1 {
		t.Errorf("expected 1 touch call, got %d", store.touchCalls)
	}
	if len(store.lastSources) != 2 {
		t.Errorf("expected assistant message stored with 2 sources, got %d", len(store.lastSources))
	}
}

func TestSend_AnonymousWritesNothing(t *testing.T) {
	store := &MockStore{}
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "Context block\n", sources: []rag.Source{{DocumentID: "1_1"}}}
	generator := &MockGenerator{result: &llm.GenerateResult{Content: "answer"}}

	svc := newTestService(retriever, formatter, generator, store)

	resp, err := svc.Send(context.Background(), Request{Content: "question", Anonymous: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !storage.IsAnonymousConversationID(resp.ConversationID) {
		t.Errorf("expected synthesized anonymous conversation id, got %q", resp.ConversationID)
	}
	if !strings.HasPrefix(resp.AIMessageID, "anon_") {
		t.Errorf("expected anonymous message id, got %q", resp.AIMessageID)
	}
	if len(store.messages) != 0 {
		t.Errorf("anonymous turn persisted %d messages", len(store.messages))
	}
	if !store.createdAnon {
		t.Error("conversation creation should carry the anonymous flag")
	}
}

func TestSend_NoResultsYieldsFixedMessage(t *testing.T) {
	store := &MockStore{}
	svc := newTestService(&MockRetriever{}, &MockFormatter{}, &MockGenerator{}, store)

	resp, err := svc.Send(context.Background(), Request{UserID: "u", Content: "obscure question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Response != NoResultsMessage {
		t.Errorf("expected %q, got %q", NoResultsMessage, resp.Response)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("expected empty sources, got %d", len(resp.Sources))
	}
	if resp.ErrorDetail == "" {
		t.Error("expected error detail for observability")
	}
	// The degraded message is still stored as the assistant turn.
	if store.lastSources != nil {
		t.Error("degraded message should be stored without sources")
	}
}

func TestSend_FormattingFailureYieldsFixedMessage(t *testing.T) {
	retriever := &MockRetriever{matches: zakatMatches()}
	// Formatter yields no usable sources despite nonempty matches.
	svc := newTestService(retriever, &MockFormatter{}, &MockGenerator{}, &MockStore{})

	resp, err := svc.Send(context.Background(), Request{UserID: "u", Content: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Response != FormattingErrorMessage {
		t.Errorf("expected %q, got %q", FormattingErrorMessage, resp.Response)
	}
}

func TestSend_DegradedGenerationKeepsDetailDropsSources(t *testing.T) {
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "ctx", sources: []rag.Source{{DocumentID: "1_1"}}}
	generator := &MockGenerator{result: &llm.GenerateResult{
		Content:      llm.ServiceUnavailableMessage,
		FallbackUsed: true,
		ErrorDetail:  "primary provider failed: 500",
	}}
	store := &MockStore{}

	svc := newTestService(retriever, formatter, generator, store)

	resp, err := svc.Send(context.Background(), Request{UserID: "u", Content: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Response != llm.ServiceUnavailableMessage {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if !strings.Contains(resp.ErrorDetail, "primary provider failed") {
		t.Errorf("error detail lost: %q", resp.ErrorDetail)
	}
	if len(resp.Sources) != 0 {
		t.Error("degraded generation should not attach sources")
	}
	if store.lastSources != nil {
		t.Error("degraded message should be stored without sources")
	}
	if resp.AIMessageID == "" {
		t.Error("degraded message should still be persisted")
	}
}

func TestSend_StorageFailuresDoNotAbort(t *testing.T) {
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "ctx", sources: []rag.Source{{DocumentID: "1_1"}}}
	generator := &MockGenerator{result: &llm.GenerateResult{Content: "answer"}}
	store := &MockStore{
		createErr:  storage.ErrUnavailable,
		storeErr:   errors.New("insert failed"),
		historyErr: errors.New("select failed"),
	}

	svc := newTestService(retriever, formatter, generator, store)

	resp, err := svc.Send(context.Background(), Request{UserID: "u", Content: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Response != "answer" {
		t.Errorf("expected the real answer despite storage failures, got %q", resp.Response)
	}
	if resp.AIMessageID != "" {
		t.Errorf("no message could be persisted, got id %q", resp.AIMessageID)
	}
	if !strings.Contains(resp.ErrorDetail, "conversation storage unavailable") {
		t.Errorf("expected storage detail, got %q", resp.ErrorDetail)
	}
}

func TestSend_ExistingConversationFetchesHistory(t *testing.T) {
	store := &MockStore{history: []storage.Message{
		{Content: "earlier question", MessageType: storage.MessageTypeUser},
		{Content: "earlier answer", MessageType: storage.MessageTypeAssistant},
	}}
	retriever := &MockRetriever{matches: zakatMatches()}
	formatter := &MockFormatter{contextText: "ctx", sources: []rag.Source{{DocumentID: "1_1"}}}
	generator := &MockGenerator{result: &llm.GenerateResult{Content: "answer"}}

	svc := newTestService(retriever, formatter, generator, store)

	resp, err := svc.Send(context.Background(), Request{
		UserID:         "u",
		Content:        "follow-up",
		ConversationID: "conv-42",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ConversationID != "conv-42" {
		t.Errorf("conversation id changed to %q", resp.ConversationID)
	}
	if store.createCalls != 0 {
		t.Error("existing conversation should not trigger creation")
	}
	if !strings.Contains(generator.lastPrompt, "User: earlier question") {
		t.Error("history missing from prompt")
	}
}

func TestSend_PanicYieldsCriticalMessage(t *testing.T) {
	svc := newTestService(&MockRetriever{panics: true}, &MockFormatter{}, &MockGenerator{}, &MockStore{})

	resp, err := svc.Send(context.Background(), Request{UserID: "u", Content: "question"})
	if err != nil {
		t.Fatalf("panic must not surface as an error, got %v", err)
	}
	if resp.Response != CriticalErrorMessage {
		t.Errorf("expected %q, got %q", CriticalErrorMessage, resp.Response)
	}
	if resp.ErrorDetail != "internal error" {
		t.Errorf("unexpected detail %q", resp.ErrorDetail)
	}
}

// errStream is a Stream that fails after yielding some tokens.
type errStream struct {
	tokens []string
	pos    int
	err    error
}

func (s *errStream) Recv() (string, error) {
	if s.pos >= len(s.tokens) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	token := s.tokens[s.pos]
	s.pos++
	return token, nil
}

func (s *errStream) Close() error { return nil }
