package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EmbeddingCacheConfig holds configuration for the embedding cache.
type EmbeddingCacheConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// DefaultEmbeddingCacheConfig returns a default configuration.
func DefaultEmbeddingCacheConfig() EmbeddingCacheConfig {
	return EmbeddingCacheConfig{
		TTL:       24 * time.Hour,
		KeyPrefix: "emb",
	}
}

// EmbeddingCache caches query embeddings in Redis, keyed by a hash of the
// input text. Cache failures are reported but callers treat them as misses.
type EmbeddingCache struct {
	redis  *RedisClient
	logger *slog.Logger
	config EmbeddingCacheConfig
}

// NewEmbeddingCache creates a new embedding cache.
func NewEmbeddingCache(redis *RedisClient, logger *slog.Logger, config EmbeddingCacheConfig) *EmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "emb"
	}
	return &EmbeddingCache{
		redis:  redis,
		logger: logger.With("component", "embedding_cache"),
		config: config,
	}
}

// Get returns the cached embedding for text, or ErrCacheMiss.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, error) {
	val, err := c.redis.Get(ctx, c.key(text))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil, ErrCacheMiss
	}

	var embedding []float32
	if err := json.Unmarshal([]byte(val), &embedding); err != nil {
		c.logger.Warn("corrupt cached embedding", "error", err)
		return nil, ErrCacheMiss
	}
	return embedding, nil
}

// Set stores an embedding for text with the configured TTL.
func (c *EmbeddingCache) Set(ctx context.Context, text string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(text), data, c.config.TTL); err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.config.KeyPrefix + ":" + hex.EncodeToString(sum[:])
}
