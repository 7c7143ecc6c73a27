// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
	Index     IndexConfig
	LLM       LLMConfig
	Chat      ChatConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	Environment     string
	ShutdownTimeout int
}

// DatabaseConfig holds Postgres configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	RateLimitRPS int
	Timeout      time.Duration
	CacheTTL     time.Duration
}

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	Table    string
	TopK     int
	MinScore float64
}

// ProviderConfig holds settings for a single text-generation provider.
type ProviderConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// LLMConfig holds LLM gateway configuration.
type LLMConfig struct {
	Primary    ProviderConfig
	Fallback   ProviderConfig
	MaxRetries int
	BaseDelay  time.Duration
}

// ChatConfig holds chat pipeline configuration.
type ChatConfig struct {
	HistoryWindow    int
	SnippetMaxLen    int
	AnonymousHistory bool
	StreamChunkSize  int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("PORT", 8080),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout: getEnvAsInt("SHUTDOWN_TIMEOUT", 30),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "arabia"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Embedding: EmbeddingConfig{
			APIKey:       getEnv("EMBEDDING_API_KEY", ""),
			BaseURL:      getEnv("EMBEDDING_BASE_URL", ""),
			Model:        getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			RateLimitRPS: getEnvAsInt("EMBEDDING_RATE_LIMIT_RPS", 50),
			Timeout:      getEnvAsDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			CacheTTL:     getEnvAsDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		},
		Index: IndexConfig{
			Table:    getEnv("INDEX_TABLE", "passages"),
			TopK:     getEnvAsInt("INDEX_TOP_K", 5),
			MinScore: getEnvAsFloat("INDEX_MIN_SCORE", 0),
		},
		LLM: LLMConfig{
			Primary: ProviderConfig{
				APIKey:      getEnv("MISTRAL_API_KEY", ""),
				BaseURL:     getEnv("MISTRAL_BASE_URL", "https://api.mistral.ai/v1"),
				Model:       getEnv("MISTRAL_MODEL", "mistral-small-latest"),
				MaxTokens:   getEnvAsInt("MISTRAL_MAX_TOKENS", 1000),
				Temperature: getEnvAsFloat("MISTRAL_TEMPERATURE", 0.3),
				Timeout:     getEnvAsDuration("MISTRAL_TIMEOUT", 60*time.Second),
			},
			Fallback: ProviderConfig{
				APIKey:      getEnv("ANTHROPIC_API_KEY", ""),
				Model:       getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
				MaxTokens:   getEnvAsInt("ANTHROPIC_MAX_TOKENS", 1000),
				Temperature: getEnvAsFloat("ANTHROPIC_TEMPERATURE", 0.3),
				Timeout:     getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
			},
			MaxRetries: getEnvAsInt("LLM_MAX_RETRIES", 3),
			BaseDelay:  getEnvAsDuration("LLM_RETRY_BASE_DELAY", time.Second),
		},
		Chat: ChatConfig{
			HistoryWindow:    getEnvAsInt("CHAT_HISTORY_WINDOW", 6),
			SnippetMaxLen:    getEnvAsInt("CHAT_SNIPPET_MAX_LEN", 300),
			AnonymousHistory: getEnvAsBool("CHAT_ANONYMOUS_HISTORY", false),
			StreamChunkSize:  getEnvAsInt("CHAT_STREAM_CHUNK_SIZE", 50),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.LLM.Primary.APIKey == "" && c.LLM.Fallback.APIKey == "" {
			return fmt.Errorf("at least one of MISTRAL_API_KEY or ANTHROPIC_API_KEY must be set in production")
		}
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("EMBEDDING_API_KEY must be set in production")
		}
	}
	if c.Chat.HistoryWindow < 0 {
		return fmt.Errorf("CHAT_HISTORY_WINDOW must not be negative")
	}
	if c.Chat.SnippetMaxLen <= 0 {
		return fmt.Errorf("CHAT_SNIPPET_MAX_LEN must be positive")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
