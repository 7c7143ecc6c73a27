package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ServiceUnavailableMessage is returned verbatim to users when every
// provider has failed. Raw provider errors never reach the user.
const ServiceUnavailableMessage = "I apologize, but the AI services are experiencing issues right now. Please try again shortly."

// GatewayConfig holds retry configuration for the gateway.
type GatewayConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultGatewayConfig returns a default configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// GenerateResult is the outcome of a blocking generation. Content is always
// populated: on total failure it carries ServiceUnavailableMessage and
// ErrorDetail retains the real cause for logging.
type GenerateResult struct {
	Content      string
	ModelUsed    string
	FallbackUsed bool
	ErrorDetail  string
}

// StreamResult is the outcome of stream initiation.
type StreamResult struct {
	Stream       Stream
	ModelUsed    string
	FallbackUsed bool
}

// Gateway calls the primary provider with bounded retry on transient
// failures, then the fallback provider once. It owns the user-facing
// degradation contract: callers get an answer or a fixed safe message.
type Gateway struct {
	primary  Provider
	fallback Provider
	logger   *slog.Logger
	config   GatewayConfig
}

// NewGateway creates a new gateway. fallback may be nil.
func NewGateway(primary, fallback Provider, logger *slog.Logger, config GatewayConfig) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	return &Gateway{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "llm_gateway"),
		config:   config,
	}
}

// Generate runs the retry-then-fallback sequence for a blocking completion.
// The returned error is non-nil only when the caller's context ended; every
// provider-side failure degrades into the result instead.
func (g *Gateway) Generate(ctx context.Context, req CompletionRequest) (*GenerateResult, error) {
	completion, primaryErr := g.completeWithRetry(ctx, g.primary, req)
	if primaryErr == nil {
		return &GenerateResult{
			Content:   completion.Content,
			ModelUsed: providerTag(g.primary),
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	g.logger.Warn("primary provider failed, trying fallback",
		"provider", g.primary.Name(),
		"error", primaryErr,
	)

	if g.fallback == nil {
		return &GenerateResult{
			Content:     ServiceUnavailableMessage,
			ErrorDetail: fmt.Sprintf("primary provider failed: %v", primaryErr),
		}, nil
	}

	completion, fallbackErr := g.fallback.Complete(ctx, req)
	if fallbackErr == nil {
		return &GenerateResult{
			Content:      completion.Content,
			ModelUsed:    providerTag(g.fallback),
			FallbackUsed: true,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	detail := fmt.Sprintf("primary provider failed: %v; fallback provider failed: %v", primaryErr, fallbackErr)
	var blocked *ContentBlockedError
	if errors.As(fallbackErr, &blocked) || errors.As(primaryErr, &blocked) {
		detail = fmt.Sprintf("content blocked: %v; %s", blocked, detail)
	}

	g.logger.Error("all providers failed", "detail", detail)

	return &GenerateResult{
		Content:      ServiceUnavailableMessage,
		FallbackUsed: true,
		ErrorDetail:  detail,
	}, nil
}

// GenerateStream initiates a token stream against the primary provider,
// falling back once if initiation fails. Both failing is an error the
// caller turns into a user-facing message.
func (g *Gateway) GenerateStream(ctx context.Context, req CompletionRequest) (*StreamResult, error) {
	stream, primaryErr := g.primary.CompleteStream(ctx, req)
	if primaryErr == nil {
		return &StreamResult{Stream: stream, ModelUsed: providerTag(g.primary)}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	g.logger.Warn("primary stream initiation failed, trying fallback",
		"provider", g.primary.Name(),
		"error", primaryErr,
	)

	if g.fallback == nil {
		return nil, fmt.Errorf("stream initiation failed: %w", primaryErr)
	}

	stream, fallbackErr := g.fallback.CompleteStream(ctx, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("stream initiation failed on both providers: primary: %v; fallback: %w", primaryErr, fallbackErr)
	}

	return &StreamResult{
		Stream:       stream,
		ModelUsed:    providerTag(g.fallback),
		FallbackUsed: true,
	}, nil
}

// completeWithRetry retries transient failures with exponential backoff and
// jitter, honoring a provider-supplied Retry-After hint when present.
func (g *Gateway) completeWithRetry(ctx context.Context, provider Provider, req CompletionRequest) (*Completion, error) {
	var lastErr error

	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoffDelay(attempt, lastErr)
			g.logger.Debug("retrying provider call",
				"provider", provider.Name(),
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		completion, err := provider.Complete(ctx, req)
		if err == nil {
			return completion, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		g.logger.Warn("transient provider failure",
			"provider", provider.Name(),
			"attempt", attempt,
			"error", err,
		)
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// backoffDelay computes the wait before the given attempt, preferring the
// provider's Retry-After hint over the computed exponential backoff.
func (g *Gateway) backoffDelay(attempt int, err error) time.Duration {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
		return rateLimited.RetryAfter
	}

	delay := g.config.BaseDelay << (attempt - 1)
	if delay > g.config.MaxDelay {
		delay = g.config.MaxDelay
	}
	// Up to 25% jitter so synchronized clients spread out.
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}

func providerTag(p Provider) string {
	return fmt.Sprintf("%s/%s", p.Name(), p.Model())
}
