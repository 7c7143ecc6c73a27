// Package llm provides a unified interface for text-generation providers
// and a gateway that layers retry and fallback semantics on top of them.
package llm

import (
	"context"
	"time"
)

// Provider defines the interface that all text-generation providers
// must implement.
type Provider interface {
	// Complete sends a prompt and returns the full generated response.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// CompleteStream sends a prompt and returns a token stream. The error
	// covers stream initiation only; delivery errors surface via Recv.
	CompleteStream(ctx context.Context, req CompletionRequest) (Stream, error)

	// Name returns the provider name (e.g. "mistral", "anthropic").
	Name() string

	// Model returns the model name being used.
	Model() string
}

// Stream delivers generated text incrementally. Recv returns io.EOF when
// the provider has finished generating.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// CompletionRequest represents a generation request.
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion represents a full generation response.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TotalTokens returns the total number of tokens used.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ProviderConfig holds common configuration for generation providers.
type ProviderConfig struct {
	// Provider is the provider name (mistral, anthropic).
	Provider string `json:"provider"`

	// Model is the model to use.
	Model string `json:"model"`

	// APIKey is the API key for authentication.
	APIKey string `json:"api_key,omitempty"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens is the default maximum tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the default temperature.
	Temperature float64 `json:"temperature,omitempty"`

	// RequestTimeout bounds each API call.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// DefaultProviderConfig returns the default provider configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:       "mistral",
		Model:          "mistral-small-latest",
		MaxTokens:      2048,
		Temperature:    0.3,
		RequestTimeout: 60 * time.Second,
	}
}
