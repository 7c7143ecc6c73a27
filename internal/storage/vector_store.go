package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arabialabs/arabia-rag/internal/rag"
)

// VectorIndexConfig holds configuration for the pgvector index.
type VectorIndexConfig struct {
	Table string
}

// DefaultVectorIndexConfig returns a default configuration.
func DefaultVectorIndexConfig() VectorIndexConfig {
	return VectorIndexConfig{Table: "passages"}
}

// PgVectorIndex implements rag.VectorIndex on PostgreSQL with pgvector.
// Rows in the passages table carry the corpus metadata columns; Query folds
// them back into the untyped metadata map the retriever validates.
type PgVectorIndex struct {
	db     *PostgresDB
	logger *slog.Logger
	config VectorIndexConfig
}

// NewPgVectorIndex creates a new pgvector-backed index.
func NewPgVectorIndex(db *PostgresDB, logger *slog.Logger, config VectorIndexConfig) *PgVectorIndex {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Table == "" {
		config.Table = "passages"
	}
	return &PgVectorIndex{
		db:     db,
		logger: logger.With("component", "vector_index"),
		config: config,
	}
}

// Health checks database connectivity.
func (vi *PgVectorIndex) Health(ctx context.Context) error {
	return vi.db.PingContext(ctx)
}

// Query performs cosine similarity search and returns the topK nearest
// passages as raw matches.
func (vi *PgVectorIndex) Query(ctx context.Context, vector []float32, topK int, includeMetadata bool) ([]rag.RawMatch, error) {
	start := time.Now()
	defer func() {
		vi.logger.Debug("vector query completed",
			"top_k", topK,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if topK <= 0 {
		topK = 5
	}

	embeddingStr := embeddingToString(vector)

	query := fmt.Sprintf(`
		SELECT
			id,
			content,
			book_name,
			section_title,
			author_name,
			category_name,
			book_id,
			1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, vi.config.Table)

	rows, err := vi.db.QueryContext(ctx, query, embeddingStr, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var matches []rag.RawMatch
	for rows.Next() {
		var (
			id, content                            string
			bookName, sectionTitle                 sql.NullString
			authorName, categoryName, bookID       sql.NullString
			similarity                             float64
		)
		if err := rows.Scan(&id, &content, &bookName, &sectionTitle, &authorName, &categoryName, &bookID, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}

		m := rag.RawMatch{ID: id, Score: similarity}
		if includeMetadata {
			m.Metadata = map[string]any{"text": content}
			if bookName.Valid {
				m.Metadata["book_name"] = bookName.String
			}
			if sectionTitle.Valid {
				m.Metadata["section_title"] = sectionTitle.String
			}
			if authorName.Valid {
				m.Metadata["author_name"] = authorName.String
			}
			if categoryName.Valid {
				m.Metadata["category_name"] = categoryName.String
			}
			if bookID.Valid {
				m.Metadata["book_id"] = bookID.String
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}

	return matches, nil
}

// embeddingToString converts a float32 slice to pgvector string format.
func embeddingToString(embedding []float32) string {
	if len(embedding) == 0 {
		return ""
	}

	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%f", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// nullString returns sql.NullString for empty strings.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
