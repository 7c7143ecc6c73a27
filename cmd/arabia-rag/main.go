// Package main is the entry point for the Arabia RAG API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arabialabs/arabia-rag/internal/api"
	"github.com/arabialabs/arabia-rag/internal/api/middleware"
	"github.com/arabialabs/arabia-rag/internal/chat"
	"github.com/arabialabs/arabia-rag/internal/config"
	"github.com/arabialabs/arabia-rag/internal/embedder"
	"github.com/arabialabs/arabia-rag/internal/llm"
	"github.com/arabialabs/arabia-rag/internal/rag"
	"github.com/arabialabs/arabia-rag/internal/storage"
	"github.com/arabialabs/arabia-rag/pkg/logger"
	"github.com/arabialabs/arabia-rag/pkg/shutdown"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:          "arabia-rag",
		Short:        "Conversational question answering over the Shamela digital library",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	log.Info("starting arabia-rag",
		"version", version,
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
	)

	shutdownHandler := shutdown.New(log.Logger, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)

	// Database. The service still answers anonymously without it, so a
	// connection failure degrades rather than aborts.
	var db *storage.PostgresDB
	if cfg.Database.Host != "" {
		pg, pgErr := storage.NewPostgres(storage.PostgresConfig{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if pgErr != nil {
			log.Warn("failed to connect to database, persistence disabled", "error", pgErr)
		} else {
			db = pg
			log.Info("connected to database",
				"host", cfg.Database.Host,
				"database", cfg.Database.Database,
			)
			shutdownHandler.RegisterNamed("database", func(ctx context.Context) error {
				return db.Close()
			})
		}
	}

	// Redis backs the embedding cache and distributed rate limiting; both
	// fall back gracefully when it is absent.
	var redisClient *storage.RedisClient
	if cfg.Redis.Host != "" {
		rc, redisErr := storage.NewRedisClient(storage.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if redisErr != nil {
			log.Warn("failed to connect to redis, caching disabled", "error", redisErr)
		} else {
			redisClient = rc
			log.Info("connected to redis", "addr", cfg.Redis.Addr())
			shutdownHandler.RegisterNamed("redis", func(ctx context.Context) error {
				return redisClient.Close()
			})
		}
	}

	// Embedder with optional Redis-backed cache.
	var embeddingCache embedder.Cache
	if redisClient != nil {
		cacheConfig := storage.DefaultEmbeddingCacheConfig()
		if cfg.Embedding.CacheTTL > 0 {
			cacheConfig.TTL = cfg.Embedding.CacheTTL
		}
		embeddingCache = storage.NewEmbeddingCache(redisClient, log.Logger, cacheConfig)
	}

	var queryEmbedder rag.Embedder
	if cfg.Embedding.APIKey != "" {
		embConfig := embedder.DefaultConfig(cfg.Embedding.APIKey)
		embConfig.BaseURL = cfg.Embedding.BaseURL
		embConfig.Model = cfg.Embedding.Model
		embConfig.RateLimitRPS = cfg.Embedding.RateLimitRPS
		embConfig.RequestTimeout = cfg.Embedding.Timeout

		emb, embErr := embedder.NewOpenAIEmbedder(embConfig, embeddingCache, log.Logger)
		if embErr != nil {
			log.Warn("failed to initialize embedder, retrieval disabled", "error", embErr)
		} else {
			queryEmbedder = emb
			log.Info("embedder initialized", "model", embConfig.Model)
		}
	} else {
		log.Warn("EMBEDDING_API_KEY not set, retrieval disabled")
	}

	// Retriever over the pgvector index.
	var vectorIndex rag.VectorIndex
	if db != nil {
		indexConfig := storage.DefaultVectorIndexConfig()
		indexConfig.Table = cfg.Index.Table
		vectorIndex = storage.NewPgVectorIndex(db, log.Logger, indexConfig)
	}

	retrieverConfig := rag.DefaultRetrieverConfig()
	retrieverConfig.DefaultTopK = cfg.Index.TopK
	retrieverConfig.MinScore = cfg.Index.MinScore
	retriever := rag.NewRetriever(vectorIndex, queryEmbedder, log.Logger, retrieverConfig)

	formatterConfig := rag.DefaultFormatterConfig()
	formatterConfig.SnippetMaxLen = cfg.Chat.SnippetMaxLen
	formatter := rag.NewFormatter(log.Logger, formatterConfig)

	// LLM gateway: primary Mistral-compatible provider with an Anthropic
	// fallback when a key is configured.
	gateway, err := buildGateway(cfg, log)
	if err != nil {
		return err
	}

	// Conversation store. Without a database every turn runs anonymously.
	var conversationStore storage.ConversationStore
	if db != nil {
		conversationStore = storage.NewPostgresConversationStore(db, log.Logger)
	} else {
		conversationStore = storage.NewNullConversationStore()
	}

	chatService := chat.NewService(
		retriever,
		formatter,
		gateway,
		conversationStore,
		log.Logger,
		chat.Config{
			TopK:             cfg.Index.TopK,
			HistoryWindow:    cfg.Chat.HistoryWindow,
			AnonymousHistory: cfg.Chat.AnonymousHistory,
			StreamChunkSize:  cfg.Chat.StreamChunkSize,
		},
	)

	var rateLimitStore middleware.RateLimitStore
	if redisClient != nil {
		rateLimitStore = middleware.NewRedisRateLimitStore(redisClient, "ratelimit", log.Logger)
	} else {
		rateLimitStore = middleware.NewMemoryRateLimitStore()
	}

	deps := api.Dependencies{
		Logger:         log.Logger,
		ChatService:    chatService,
		Conversations:  conversationStore,
		RateLimitStore: rateLimitStore,
	}
	if db != nil {
		deps.DB = db
	}
	if redisClient != nil {
		deps.Cache = redisClient
	}

	router := api.NewRouter(deps, api.DefaultRouterConfig())

	serverConfig := api.DefaultServerConfig()
	serverConfig.Port = cfg.Server.Port
	serverConfig.ShutdownTimeout = time.Duration(cfg.Server.ShutdownTimeout) * time.Second

	server := api.NewServer(router, serverConfig, log.Logger)
	shutdownHandler.RegisterNamed("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr())
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	shutdownHandler.Wait()

	log.Info("server stopped")
	return nil
}

// buildGateway wires the configured text-generation providers. At least one
// provider must be configured; the fallback is optional.
func buildGateway(cfg *config.Config, log *logger.Logger) (*llm.Gateway, error) {
	var primary, fallback llm.Provider

	if cfg.LLM.Primary.APIKey != "" {
		p, err := llm.NewOpenAICompatProvider(llm.ProviderConfig{
			Provider:       "mistral",
			APIKey:         cfg.LLM.Primary.APIKey,
			BaseURL:        cfg.LLM.Primary.BaseURL,
			Model:          cfg.LLM.Primary.Model,
			MaxTokens:      cfg.LLM.Primary.MaxTokens,
			Temperature:    cfg.LLM.Primary.Temperature,
			RequestTimeout: cfg.LLM.Primary.Timeout,
		}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create primary provider: %w", err)
		}
		primary = p
		log.Info("primary provider created", "provider", p.Name(), "model", p.Model())
	}

	if cfg.LLM.Fallback.APIKey != "" {
		p, err := llm.NewAnthropicProvider(llm.ProviderConfig{
			Provider:       "anthropic",
			APIKey:         cfg.LLM.Fallback.APIKey,
			BaseURL:        cfg.LLM.Fallback.BaseURL,
			Model:          cfg.LLM.Fallback.Model,
			MaxTokens:      cfg.LLM.Fallback.MaxTokens,
			Temperature:    cfg.LLM.Fallback.Temperature,
			RequestTimeout: cfg.LLM.Fallback.Timeout,
		}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback provider: %w", err)
		}
		fallback = p
		log.Info("fallback provider created", "provider", p.Name(), "model", p.Model())
	}

	if primary == nil && fallback == nil {
		return nil, fmt.Errorf("no LLM provider configured: set MISTRAL_API_KEY or ANTHROPIC_API_KEY")
	}
	if primary == nil {
		primary = fallback
		fallback = nil
		log.Warn("no primary provider configured, promoting fallback")
	}

	gatewayConfig := llm.DefaultGatewayConfig()
	gatewayConfig.MaxRetries = cfg.LLM.MaxRetries
	gatewayConfig.BaseDelay = cfg.LLM.BaseDelay

	return llm.NewGateway(primary, fallback, log.Logger, gatewayConfig), nil
}
