// Package embedder generates query embeddings via an OpenAI-compatible API.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Embedder defines the interface for embedding generation.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ModelName returns the model name.
	ModelName() string
}

// Cache is the external embedding cache the embedder consults before
// calling the API. A nil cache disables caching.
type Cache interface {
	Get(ctx context.Context, text string) ([]float32, error)
	Set(ctx context.Context, text string, embedding []float32) error
}

// Config holds configuration for the embedder.
type Config struct {
	APIKey         string
	BaseURL        string // empty uses the provider default
	Model          string
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimitRPS   int
	RequestTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		Model:          "mistral-embed",
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RateLimitRPS:   10,
		RequestTimeout: 30 * time.Second,
	}
}

// OpenAIEmbedder implements Embedder against any OpenAI-compatible
// embeddings endpoint.
type OpenAIEmbedder struct {
	client      *openai.Client
	config      Config
	rateLimiter *rate.Limiter
	cache       Cache
	logger      *slog.Logger
}

// NewOpenAIEmbedder creates a new embedder. cache may be nil.
func NewOpenAIEmbedder(cfg Config, cache Cache, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client:      openai.NewClientWithConfig(clientCfg),
		config:      cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS),
		cache:       cache,
		logger:      logger.With("component", "embedder"),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if embedding, err := e.cache.Get(ctx, text); err == nil {
			return embedding, nil
		}
	}

	embedding, err := e.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, text, embedding); err != nil {
			e.logger.Warn("failed to cache embedding", "error", err)
		}
	}

	return embedding, nil
}

// ModelName returns the model name.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// embedWithRetry performs the embedding call with bounded retries.
func (e *OpenAIEmbedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := e.config.RetryDelay

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Debug("retrying embedding request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := e.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		embedding, err := e.doEmbed(ctx, text)
		if err == nil {
			return embedding, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		lastErr = err
		e.logger.Warn("embedding request failed", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

// doEmbed performs a single embeddings API call.
func (e *OpenAIEmbedder) doEmbed(ctx context.Context, text string) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.config.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings API error: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	return resp.Data[0].Embedding, nil
}
