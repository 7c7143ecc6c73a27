package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limit defines rate limit parameters for one endpoint class.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitConfig holds per-endpoint rate limits.
type RateLimitConfig struct {
	Chat          Limit
	Conversations Limit
	Default       Limit

	// GracefulDegradation lets requests through when the store is down
	// instead of failing closed.
	GracefulDegradation bool
}

// DefaultRateLimitConfig returns default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Chat:                Limit{Requests: 20, Window: time.Minute},
		Conversations:       Limit{Requests: 50, Window: time.Minute},
		Default:             Limit{Requests: 100, Window: time.Minute},
		GracefulDegradation: true,
	}
}

// RateLimitStore counts requests per client within a window.
type RateLimitStore interface {
	// Increment bumps the counter for key, creating it with the window
	// expiration when absent, and returns the new count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// IsHealthy reports whether the store is operational.
	IsHealthy() bool
}

// MemoryRateLimitStore implements RateLimitStore in process memory. Suitable
// for single-instance deployments.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryRateLimitStore creates a new in-memory rate limit store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	store := &MemoryRateLimitStore{entries: make(map[string]*rateLimitEntry)}
	go store.cleanup()
	return store
}

// Increment bumps the counter for a key.
func (s *MemoryRateLimitStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, exists := s.entries[key]
	if !exists || now.After(entry.expiresAt) {
		s.entries[key] = &rateLimitEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// IsHealthy always reports true for the in-memory store.
func (s *MemoryRateLimitStore) IsHealthy() bool {
	return true
}

func (s *MemoryRateLimitStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for key, entry := range s.entries {
			if now.After(entry.expiresAt) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

// RedisCounter is the Redis surface the Redis-backed store needs.
type RedisCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Ping(ctx context.Context) error
}

// RedisRateLimitStore implements RateLimitStore on Redis for multi-instance
// deployments.
type RedisRateLimitStore struct {
	client RedisCounter
	prefix string
	logger *slog.Logger
}

// NewRedisRateLimitStore creates a new Redis-backed rate limit store.
func NewRedisRateLimitStore(client RedisCounter, prefix string, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{client: client, prefix: prefix, logger: logger}
}

// Increment bumps the counter for a key.
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := s.prefix + ":" + key
	count, err := s.client.Incr(ctx, fullKey)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, window); err != nil {
			s.logger.Warn("failed to set rate limit expiration", "key", fullKey, "error", err)
		}
	}

	return count, nil
}

// IsHealthy pings Redis with a short deadline.
func (s *RedisRateLimitStore) IsHealthy() bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.client.Ping(ctx) == nil
}

// RateLimiter provides rate limiting middleware.
type RateLimiter struct {
	store  RateLimitStore
	config RateLimitConfig
	logger *slog.Logger
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(store RateLimitStore, config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		config: config,
		logger: logger.With("component", "rate_limiter"),
	}
}

// Middleware returns rate limiting middleware for an endpoint class.
func (rl *RateLimiter) Middleware(class string) func(next http.Handler) http.Handler {
	limit := rl.limitFor(class)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := class + ":" + clientID(r)

			if !rl.store.IsHealthy() {
				if rl.config.GracefulDegradation {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			}

			count, err := rl.store.Increment(r.Context(), key, limit.Window)
			if err != nil {
				rl.logger.Error("rate limit check failed", "key", key, "error", err)
				if rl.config.GracefulDegradation {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			}

			remaining := limit.Requests - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit.Requests))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

			if count > int64(limit.Requests) {
				rl.logger.Warn("rate limit exceeded",
					"key", key,
					"count", count,
					"limit", limit.Requests,
				)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limit.Window.Seconds())))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) limitFor(class string) Limit {
	switch class {
	case "chat":
		return rl.config.Chat
	case "conversation":
		return rl.config.Conversations
	default:
		return rl.config.Default
	}
}

// clientID identifies a client by verified user id when present, else by IP.
func clientID(r *http.Request) string {
	if identity := IdentityFromContext(r.Context()); !identity.Anonymous {
		return "user:" + identity.UserID
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
