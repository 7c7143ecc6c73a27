package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Embedder defines the interface for generating query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RawMatch is a single untyped result as returned by the vector index
// provider. Metadata values are whatever the provider stored; the retriever
// is the one place where they are validated into typed entities.
type RawMatch struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// VectorIndex defines the interface for vector similarity search providers.
type VectorIndex interface {
	Query(ctx context.Context, vector []float32, topK int, includeMetadata bool) ([]RawMatch, error)
}

// RetrieverConfig holds configuration for the retriever.
type RetrieverConfig struct {
	DefaultTopK int

	// MinScore drops matches below this similarity. Zero disables the filter.
	MinScore float64
}

// DefaultRetrieverConfig returns a default configuration.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{DefaultTopK: 5}
}

// Retriever converts a query into top-K scored document matches. All
// failures degrade to an empty result: callers must treat "no documents" as
// a normal outcome, never as a system error.
type Retriever struct {
	index    VectorIndex
	embedder Embedder
	logger   *slog.Logger
	config   RetrieverConfig
}

// NewRetriever creates a new Retriever instance.
func NewRetriever(index VectorIndex, embedder Embedder, logger *slog.Logger, config RetrieverConfig) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 5
	}
	return &Retriever{
		index:    index,
		embedder: embedder,
		logger:   logger.With("component", "retriever"),
		config:   config,
	}
}

// Retrieve returns the topK most relevant document matches for the query.
// It never returns an error: embedding or index failures are logged and
// yield an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) []DocumentMatch {
	if topK <= 0 {
		topK = r.config.DefaultTopK
	}

	if r.embedder == nil {
		r.logger.Error("embedder not configured")
		return nil
	}
	if r.index == nil {
		r.logger.Error("vector index not configured")
		return nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Error("failed to generate query embedding", "error", err)
		return nil
	}
	if len(vector) == 0 {
		r.logger.Error("embedding provider returned an empty vector")
		return nil
	}

	raw, err := r.index.Query(ctx, vector, topK, true)
	if err != nil {
		r.logger.Error("vector index query failed", "error", err)
		return nil
	}

	matches := make([]DocumentMatch, 0, len(raw))
	for _, m := range raw {
		if r.config.MinScore > 0 && m.Score < r.config.MinScore {
			continue
		}
		match, err := validateMatch(m)
		if err != nil {
			r.logger.Warn("skipping invalid match", "id", m.ID, "error", err)
			continue
		}
		if match.Metadata.Text == "" {
			r.logger.Warn("match has empty text metadata", "id", m.ID)
		}
		matches = append(matches, match)
	}

	r.logger.Info("retrieval completed",
		"query", truncateForLog(query, 50),
		"returned", len(raw),
		"validated", len(matches),
	)

	return matches
}

// validateMatch converts one raw provider match into a typed DocumentMatch.
// Field-level problems fail only that match, not the whole batch.
func validateMatch(m RawMatch) (DocumentMatch, error) {
	if m.ID == "" {
		return DocumentMatch{}, fmt.Errorf("match has no id")
	}

	md := DocumentMetadata{
		Text:         stringField(m.Metadata, "text"),
		BookName:     stringField(m.Metadata, "book_name"),
		SectionTitle: stringField(m.Metadata, "section_title"),
		AuthorName:   stringField(m.Metadata, "author_name"),
		CategoryName: stringField(m.Metadata, "category_name"),
	}

	// Some ingestion runs stored book ids as floats; coerce to a canonical
	// integer string so URL derivation stays stable.
	if v, ok := m.Metadata["book_id"]; ok && v != nil {
		id, err := canonicalID(v)
		if err != nil {
			return DocumentMatch{}, fmt.Errorf("book_id %v: %w", v, err)
		}
		md.BookID = id
	}

	return DocumentMatch{ID: m.ID, Score: m.Score, Metadata: md}, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// canonicalID renders a provider-supplied identifier as an integer string.
func canonicalID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", nil
		}
		if f, err := strconv.ParseFloat(id, 64); err == nil {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return id, nil
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	case float32:
		return strconv.FormatInt(int64(id), 10), nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	default:
		return "", fmt.Errorf("unsupported identifier type %T", v)
	}
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
