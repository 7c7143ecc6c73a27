package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/arabialabs/arabia-rag/internal/rag"
)

// Sentinel errors surfaced to the orchestrator and API layer.
var (
	// ErrUnavailable signals that conversation persistence is down in a way
	// the caller cannot work around, e.g. conversation creation failed and
	// downstream message linkage is impossible.
	ErrUnavailable = errors.New("conversation storage unavailable")

	// ErrNotFound signals that a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrForbidden signals that the caller does not own the conversation.
	ErrForbidden = errors.New("conversation access denied")
)

// Anonymous ids are synthesized locally and never written. The prefixes let
// every layer recognize them without an extra flag.
const (
	anonMessagePrefix      = "anon_"
	anonConversationPrefix = "anon_conv_"
)

// NewAnonymousMessageID synthesizes a message id for an unpersisted turn.
func NewAnonymousMessageID() string {
	return fmt.Sprintf("%s%x", anonMessagePrefix, [16]byte(uuid.New()))
}

// NewAnonymousConversationID synthesizes a conversation id valid only for
// the lifetime of the current request.
func NewAnonymousConversationID() string {
	return fmt.Sprintf("%s%x", anonConversationPrefix, [16]byte(uuid.New()))
}

// IsAnonymousConversationID reports whether id was synthesized for an
// anonymous session.
func IsAnonymousConversationID(id string) bool {
	return strings.HasPrefix(id, anonConversationPrefix)
}

// StoreMessageParams carries the inputs for storing one chat turn.
type StoreMessageParams struct {
	UserID         string
	Content        string
	MessageType    string
	ConversationID string
	Sources        []rag.Source
	Anonymous      bool
}

// ConversationStore persists conversations and messages. All operations are
// no-ops for anonymous sessions: they synthesize well-formed records without
// touching the database.
type ConversationStore interface {
	StoreMessage(ctx context.Context, params StoreMessageParams) (*Message, error)
	CreateConversation(ctx context.Context, userID string, anonymous bool) (*Conversation, error)
	GetConversations(ctx context.Context, userID string) ([]Conversation, error)
	GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error)
	GetConversationMessages(ctx context.Context, conversationID, userID string) ([]Message, error)
	TouchConversation(ctx context.Context, conversationID string) error
}

// PostgresConversationStore implements ConversationStore on PostgreSQL.
type PostgresConversationStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewPostgresConversationStore creates a new conversation store.
func NewPostgresConversationStore(db *PostgresDB, logger *slog.Logger) *PostgresConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresConversationStore{
		db:     db,
		logger: logger.With("component", "conversation_store"),
	}
}

// StoreMessage persists one message plus its source rows. Source rows are
// best-effort: a failure there is logged and the message store still
// succeeds. Anonymous sessions get a synthesized message and no writes.
func (s *PostgresConversationStore) StoreMessage(ctx context.Context, params StoreMessageParams) (*Message, error) {
	now := time.Now().UTC()

	if params.Anonymous {
		return &Message{
			ID:             NewAnonymousMessageID(),
			ConversationID: params.ConversationID,
			UserID:         params.UserID,
			Content:        params.Content,
			MessageType:    params.MessageType,
			Timestamp:      now,
			Sources:        params.Sources,
		}, nil
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: params.ConversationID,
		UserID:         params.UserID,
		Content:        params.Content,
		MessageType:    params.MessageType,
		Timestamp:      now,
		Sources:        params.Sources,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, content, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, nullString(msg.ConversationID), msg.UserID, msg.Content, msg.MessageType, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	for i, src := range params.Sources {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO message_sources (id, message_id, document_id, book_id, book_name, title, score, url, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, uuid.New().String(), msg.ID, src.DocumentID, nullString(src.BookID),
			nullString(src.BookName), nullString(src.Title), src.Score,
			nullString(src.URL), src.Content)
		if err != nil {
			s.logger.Warn("failed to store message source",
				"message_id", msg.ID,
				"index", i,
				"error", err,
			)
		}
	}

	return msg, nil
}

// CreateConversation creates a conversation owned by userID. Anonymous
// sessions get a synthesized, unpersisted conversation. A database failure
// wraps ErrUnavailable so the orchestrator can distinguish it.
func (s *PostgresConversationStore) CreateConversation(ctx context.Context, userID string, anonymous bool) (*Conversation, error) {
	now := time.Now().UTC()
	title := "Chat " + now.Format("2006-01-02")

	conv := &Conversation{
		UserID:      userID,
		Title:       title,
		CreatedAt:   now,
		LastUpdated: now,
	}

	if anonymous {
		conv.ID = NewAnonymousConversationID()
		return conv, nil
	}

	conv.ID = uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.LastUpdated)
	if err != nil {
		s.logger.Error("failed to create conversation", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return conv, nil
}

// GetConversations lists conversations owned by userID, most recently
// updated first. Anonymous callers always get an empty list.
func (s *PostgresConversationStore) GetConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return []Conversation{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, last_updated
		FROM conversations
		WHERE user_id = $1
		ORDER BY last_updated DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, nil
}

// GetHistory returns the most recent limit messages of a conversation in
// chronological order, oldest first. Sources are not loaded; history feeds
// prompt construction only.
func (s *PostgresConversationStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if conversationID == "" || IsAnonymousConversationID(conversationID) {
		return []Message{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, content, message_type, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Query returned newest-first; history is consumed oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// GetConversationMessages returns the full message list of a conversation
// after verifying ownership, with sources attached to assistant turns.
func (s *PostgresConversationStore) GetConversationMessages(ctx context.Context, conversationID, userID string) ([]Message, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = $1`, conversationID,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}
	if owner != userID {
		return nil, ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, content, message_type, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if err := s.attachSources(ctx, messages); err != nil {
		// Sources are presentation data; the messages themselves stand.
		s.logger.Warn("failed to load message sources", "conversation_id", conversationID, "error", err)
	}

	return messages, nil
}

// TouchConversation bumps last_updated. Synthetic anonymous ids are a no-op.
func (s *PostgresConversationStore) TouchConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" || IsAnonymousConversationID(conversationID) {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_updated = $1 WHERE id = $2`,
		time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation timestamp: %w", err)
	}
	return nil
}

// NullConversationStore serves deployments without a database. Anonymous
// sessions behave exactly as they do against Postgres; anything that would
// need persistence reports ErrUnavailable.
type NullConversationStore struct{}

// NewNullConversationStore creates a store with no backing database.
func NewNullConversationStore() *NullConversationStore {
	return &NullConversationStore{}
}

func (s *NullConversationStore) StoreMessage(_ context.Context, params StoreMessageParams) (*Message, error) {
	if !params.Anonymous {
		return nil, ErrUnavailable
	}
	return &Message{
		ID:             NewAnonymousMessageID(),
		ConversationID: params.ConversationID,
		UserID:         params.UserID,
		Content:        params.Content,
		MessageType:    params.MessageType,
		Timestamp:      time.Now().UTC(),
		Sources:        params.Sources,
	}, nil
}

func (s *NullConversationStore) CreateConversation(_ context.Context, userID string, anonymous bool) (*Conversation, error) {
	if !anonymous {
		return nil, ErrUnavailable
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:          NewAnonymousConversationID(),
		UserID:      userID,
		Title:       "Chat " + now.Format("2006-01-02"),
		CreatedAt:   now,
		LastUpdated: now,
	}, nil
}

func (s *NullConversationStore) GetConversations(_ context.Context, _ string) ([]Conversation, error) {
	return []Conversation{}, nil
}

func (s *NullConversationStore) GetHistory(_ context.Context, _ string, _ int) ([]Message, error) {
	return []Message{}, nil
}

func (s *NullConversationStore) GetConversationMessages(_ context.Context, _, _ string) ([]Message, error) {
	return nil, ErrUnavailable
}

func (s *NullConversationStore) TouchConversation(_ context.Context, _ string) error {
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var (
			m      Message
			convID sql.NullString
		)
		if err := rows.Scan(&m.ID, &convID, &m.UserID, &m.Content, &m.MessageType, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ConversationID = convID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// attachSources loads source rows for the given messages in one query.
func (s *PostgresConversationStore) attachSources(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, 0, len(messages))
	index := make(map[string]*Message, len(messages))
	for i := range messages {
		if messages[i].MessageType == MessageTypeAssistant {
			ids = append(ids, messages[i].ID)
			index[messages[i].ID] = &messages[i]
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, document_id, book_id, book_name, title, score, url, content
		FROM message_sources
		WHERE message_id = ANY($1)
		ORDER BY message_id, id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID              string
			src                    rag.Source
			bookID, name, title    sql.NullString
			url                    sql.NullString
		)
		if err := rows.Scan(&messageID, &src.DocumentID, &bookID, &name, &title, &src.Score, &url, &src.Content); err != nil {
			return fmt.Errorf("failed to scan source: %w", err)
		}
		src.BookID = bookID.String
		src.BookName = name.String
		src.Title = title.String
		src.URL = url.String
		if m, ok := index[messageID]; ok {
			m.Sources = append(m.Sources, src)
		}
	}
	return rows.Err()
}
