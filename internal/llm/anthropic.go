package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider implements the Provider interface for Claude models.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
	config ProviderConfig
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *slog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}

	return &AnthropicProvider{
		client: &client,
		model:  model,
		logger: logger.With("component", "anthropic_provider"),
		config: cfg,
	}, nil
}

// Complete sends a blocking message request to Claude.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	reqCtx := ctx
	if p.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
		defer cancel()
	}

	params := p.buildParams(req)

	p.logger.Debug("sending completion request", "model", p.model)

	response, err := p.client.Messages.New(reqCtx, params)
	if err != nil {
		return nil, p.classifyError(err)
	}

	if string(response.StopReason) == "refusal" {
		return nil, &ContentBlockedError{Provider: p.Name(), Reason: "model refused the request"}
	}

	var content string
	for _, block := range response.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Completion{
		Content: content,
		Model:   string(response.Model),
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// CompleteStream initiates a streaming message request to Claude.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req CompletionRequest) (Stream, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	if err := stream.Err(); err != nil {
		return nil, p.classifyError(err)
	}
	return &anthropicStream{inner: stream, provider: p.Name()}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Model returns the model name.
func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) buildParams(req CompletionRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.config.Temperature
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	return params
}

// classifyError maps Anthropic API errors into the gateway's taxonomy.
func (p *AnthropicProvider) classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Provider:   p.Name(),
			RetryAfter: retryAfterHint(apiErr.Response),
			Err:        err,
		}
	}
	return fmt.Errorf("Anthropic API call failed: %w", err)
}

// retryAfterHint reads a Retry-After header expressed in seconds.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// anthropicStream adapts the SSE event stream to the Stream interface.
type anthropicStream struct {
	inner    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	provider string
}

// Recv returns the next text delta, skipping non-content events.
func (s *anthropicStream) Recv() (string, error) {
	for s.inner.Next() {
		event := s.inner.Current()
		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := e.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					return delta.Text, nil
				}
			}
		}
	}
	if err := s.inner.Err(); err != nil {
		return "", fmt.Errorf("%s stream failed: %w", s.provider, err)
	}
	return "", io.EOF
}

// Close closes the underlying stream.
func (s *anthropicStream) Close() error {
	return s.inner.Close()
}
