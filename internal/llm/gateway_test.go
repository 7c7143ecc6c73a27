package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// MockProvider implements Provider for testing.
type MockProvider struct {
	name         string
	model        string
	content      string
	err          error
	streamTokens []string
	streamErr    error
	calls        int
	streamCalls  int
}

func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &Completion{Content: m.content, Model: m.model}, nil
}

func (m *MockProvider) CompleteStream(ctx context.Context, req CompletionRequest) (Stream, error) {
	m.streamCalls++
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return &sliceStream{tokens: m.streamTokens}, nil
}

func (m *MockProvider) Name() string  { return m.name }
func (m *MockProvider) Model() string { return m.model }

// sliceStream implements Stream over a fixed token list.
type sliceStream struct {
	tokens []string
	pos    int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	token := s.tokens[s.pos]
	s.pos++
	return token, nil
}

func (s *sliceStream) Close() error { return nil }

func fastGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestGenerate_PrimarySucceeds(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "mistral-small-latest", content: "the answer"}
	fallback := &MockProvider{name: "anthropic", model: "claude-3-5-haiku-latest"}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	result, err := g.Generate(context.Background(), CompletionRequest{Prompt: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Content != "the answer" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.FallbackUsed {
		t.Error("fallback should not be flagged")
	}
	if result.ModelUsed != "mistral/mistral-small-latest" {
		t.Errorf("unexpected model tag %q", result.ModelUsed)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times", fallback.calls)
	}
}

func TestGenerate_FallsBackOnPrimaryFailure(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", err: errors.New("boom")}
	fallback := &MockProvider{name: "anthropic", model: "claude-3-5-haiku-latest", content: "fallback answer"}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	result, err := g.Generate(context.Background(), CompletionRequest{Prompt: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Content != "fallback answer" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if !result.FallbackUsed {
		t.Error("expected FallbackUsed")
	}
	if result.ModelUsed != "anthropic/claude-3-5-haiku-latest" {
		t.Errorf("unexpected model tag %q", result.ModelUsed)
	}
	// Non-retryable failure goes to the fallback without retrying.
	if primary.calls != 1 {
		t.Errorf("expected 1 primary call, got %d", primary.calls)
	}
	if fallback.calls != 1 {
		t.Errorf("expected 1 fallback call, got %d", fallback.calls)
	}
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	primary := &MockProvider{
		name:  "mistral",
		model: "m",
		err:   &RateLimitError{Provider: "mistral", Err: errors.New("429")},
	}
	fallback := &MockProvider{name: "anthropic", model: "c", content: "rescued"}
	config := fastGatewayConfig()
	g := NewGateway(primary, fallback, nil, config)

	result, err := g.Generate(context.Background(), CompletionRequest{Prompt: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if primary.calls != config.MaxRetries+1 {
		t.Errorf("expected %d primary attempts, got %d", config.MaxRetries+1, primary.calls)
	}
	if result.Content != "rescued" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if !result.FallbackUsed {
		t.Error("expected FallbackUsed")
	}
}

func TestGenerate_DualFailureDegrades(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", err: errors.New("primary down")}
	fallback := &MockProvider{name: "anthropic", model: "c", err: errors.New("fallback down")}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	result, err := g.Generate(context.Background(), CompletionRequest{Prompt: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Content != ServiceUnavailableMessage {
		t.Errorf("expected the fixed unavailable message, got %q", result.Content)
	}
	if result.ErrorDetail == "" {
		t.Error("expected error detail on dual failure")
	}
	if !strings.Contains(result.ErrorDetail, "primary down") || !strings.Contains(result.ErrorDetail, "fallback down") {
		t.Errorf("detail missing causes: %q", result.ErrorDetail)
	}
	if !result.FallbackUsed {
		t.Error("expected FallbackUsed on dual failure")
	}
}

func TestGenerate_NoFallbackDegrades(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", err: errors.New("down")}
	g := NewGateway(primary, nil, nil, fastGatewayConfig())

	result, err := g.Generate(context.Background(), CompletionRequest{Prompt: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != ServiceUnavailableMessage {
		t.Errorf("expected the fixed unavailable message, got %q", result.Content)
	}
	if result.ErrorDetail == "" {
		t.Error("expected error detail")
	}
}

func TestGenerate_ContentBlockedInDetail(t *testing.T) {
	primary := &MockProvider{
		name:  "mistral",
		model: "m",
		err:   &ContentBlockedError{Provider: "mistral", Reason: "content_filter"},
	}
	fallback := &MockProvider{name: "anthropic", model: "c", err: errors.New("down")}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	result, err := g.Generate(context.Background(), CompletionRequest{Prompt: "question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.ErrorDetail, "content blocked") {
		t.Errorf("expected content blocked marker in detail, got %q", result.ErrorDetail)
	}
}

func TestGenerate_CanceledContextReturnsError(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", err: context.Canceled}
	fallback := &MockProvider{name: "anthropic", model: "c", content: "never"}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Generate(ctx, CompletionRequest{Prompt: "question"}); err == nil {
		t.Error("expected error for a dead context")
	}
	if fallback.calls != 0 {
		t.Error("fallback should not run after cancellation")
	}
}

func TestGenerateStream_PrimarySucceeds(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", streamTokens: []string{"a", "b"}}
	g := NewGateway(primary, nil, nil, fastGatewayConfig())

	result, err := g.GenerateStream(context.Background(), CompletionRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Stream.Close()

	if result.FallbackUsed {
		t.Error("fallback should not be flagged")
	}
	token, err := result.Stream.Recv()
	if err != nil || token != "a" {
		t.Errorf("unexpected first token %q, err %v", token, err)
	}
}

func TestGenerateStream_FallsBackOnInitiationFailure(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", streamErr: errors.New("refused")}
	fallback := &MockProvider{name: "anthropic", model: "c", streamTokens: []string{"x"}}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	result, err := g.GenerateStream(context.Background(), CompletionRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Stream.Close()

	if !result.FallbackUsed {
		t.Error("expected FallbackUsed")
	}
	if result.ModelUsed != "anthropic/c" {
		t.Errorf("unexpected model tag %q", result.ModelUsed)
	}
}

func TestGenerateStream_DualInitiationFailureErrors(t *testing.T) {
	primary := &MockProvider{name: "mistral", model: "m", streamErr: errors.New("a")}
	fallback := &MockProvider{name: "anthropic", model: "c", streamErr: errors.New("b")}
	g := NewGateway(primary, fallback, nil, fastGatewayConfig())

	if _, err := g.GenerateStream(context.Background(), CompletionRequest{Prompt: "q"}); err == nil {
		t.Error("expected error when both initiations fail")
	}
}

func TestBackoffDelay_PrefersRetryAfterHint(t *testing.T) {
	g := NewGateway(&MockProvider{}, nil, nil, DefaultGatewayConfig())

	hint := 7 * time.Second
	delay := g.backoffDelay(1, &RateLimitError{Provider: "mistral", RetryAfter: hint})
	if delay != hint {
		t.Errorf("expected hint %v, got %v", hint, delay)
	}
}

func TestBackoffDelay_CappedAtMaxDelay(t *testing.T) {
	config := GatewayConfig{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	g := NewGateway(&MockProvider{}, nil, nil, config)

	delay := g.backoffDelay(10, errors.New("transient"))
	// Cap plus at most 25% jitter.
	if delay < config.MaxDelay || delay > config.MaxDelay+config.MaxDelay/4 {
		t.Errorf("delay %v outside capped range", delay)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&RateLimitError{Provider: "p"}) {
		t.Error("rate limit errors should be retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation should not be retryable")
	}
	if IsRetryable(&ContentBlockedError{Provider: "p"}) {
		t.Error("content blocks should not be retryable")
	}
	if IsRetryable(errors.New("bad request")) {
		t.Error("generic errors should not be retryable")
	}
}
