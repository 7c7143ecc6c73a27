package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider implements the Provider interface for any
// OpenAI-compatible chat completions API. Mistral's hosted API is the
// primary target; the base URL is configurable.
type OpenAICompatProvider struct {
	client       *openai.Client
	model        string
	providerName string
	logger       *slog.Logger
	config       ProviderConfig
}

// NewOpenAICompatProvider creates a new OpenAI-compatible provider.
func NewOpenAICompatProvider(cfg ProviderConfig, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI-compatible provider")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "mistral-small-latest"
	}

	providerName := cfg.Provider
	if providerName == "" {
		providerName = "openai_compat"
	}

	return &OpenAICompatProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		providerName: providerName,
		logger:       logger.With("component", "openai_compat_provider", "provider", providerName),
		config:       cfg,
	}, nil
}

// Complete sends a blocking chat completion request.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	reqCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	chatReq := p.buildRequest(req)

	p.logger.Debug("sending completion request",
		"model", p.model,
		"max_tokens", chatReq.MaxTokens,
	)

	response, err := p.client.CreateChatCompletion(reqCtx, chatReq)
	if err != nil {
		return nil, p.classifyError(err)
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from %s", p.providerName)
	}

	choice := response.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, &ContentBlockedError{Provider: p.providerName, Reason: "content filter"}
	}

	return &Completion{
		Content: choice.Message.Content,
		Model:   response.Model,
		Usage: Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}, nil
}

// CompleteStream initiates a streaming chat completion.
func (p *OpenAICompatProvider) CompleteStream(ctx context.Context, req CompletionRequest) (Stream, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.classifyError(err)
	}

	return &openAIStream{inner: stream}, nil
}

// Name returns the provider name.
func (p *OpenAICompatProvider) Name() string {
	return p.providerName
}

// Model returns the model name.
func (p *OpenAICompatProvider) Model() string {
	return p.model
}

func (p *OpenAICompatProvider) buildRequest(req CompletionRequest) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.config.Temperature
	}
	if temperature > 0 {
		chatReq.Temperature = float32(temperature)
	}

	return chatReq
}

// withTimeout bounds a blocking call with the configured request timeout.
// Streaming calls are bounded by the caller's context instead, since a
// stream legitimately outlives a single request timeout.
func (p *OpenAICompatProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, p.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// classifyError maps provider errors into the gateway's taxonomy.
func (p *OpenAICompatProvider) classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: p.providerName, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: p.providerName, Err: err}
	}

	return fmt.Errorf("%s API call failed: %w", p.providerName, err)
}

// openAIStream adapts the go-openai stream to the Stream interface.
type openAIStream struct {
	inner *openai.ChatCompletionStream
}

// Recv returns the next content delta, skipping empty chunks.
func (s *openAIStream) Recv() (string, error) {
	for {
		response, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

// Close closes the underlying stream.
func (s *openAIStream) Close() error {
	return s.inner.Close()
}
