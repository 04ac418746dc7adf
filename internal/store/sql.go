// ABOUTME: database/sql implementation of the Store interface shared by SQLite and Postgres
// ABOUTME: Dialects differ only in schema DDL and placeholder syntax

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-rag/internal/turns"
)

// dialect captures what differs between SQL backends.
type dialect struct {
	name   string
	schema string
	// rebind rewrites ? placeholders into the backend's syntax.
	rebind func(query string) string
}

// sqlStore holds the database handle and the queries common to every SQL backend.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	clock   *monotonicClock
	logger  *slog.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *sqlStore {
	return &sqlStore{
		db:      db,
		dialect: d,
		clock:   newMonotonicClock(),
		logger:  logger,
	}
}

// createSchema creates the tables if they don't exist
func (s *sqlStore) createSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("creating %s schema: %w", s.dialect.name, err)
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	s.logger.Info("closing store", "driver", s.dialect.name)
	return s.db.Close()
}

// Ping checks the database connection
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation inserts a new untitled conversation for userID.
func (s *sqlStore) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	now := s.clock.Now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.exec(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.UserID,
		conv.Title,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", userID)
	return conv, nil
}

// CreateMessage appends a turn. The insert only happens when the conversation
// exists for userID, so an unknown or foreign conversation yields ErrNotFound.
func (s *sqlStore) CreateMessage(ctx context.Context, conversationID, userID string, turn turns.Completion) (*Message, error) {
	if !validRole(turn.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           turn.Role,
		Content:        turn.Content,
		CreatedAt:      s.clock.Now(),
	}

	result, err := s.exec(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, role, content, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.UserID,
		string(msg.Role),
		msg.Content,
		formatTime(msg.CreatedAt),
		conversationID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", conversationID, "role", msg.Role)
	return msg, nil
}

// GetConversation retrieves a conversation owned by userID.
// Returns ErrNotFound if it doesn't exist.
func (s *sqlStore) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	row := s.queryRow(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = ? AND user_id = ?
	`, conversationID, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetMessages returns the conversation's messages oldest first.
func (s *sqlStore) GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error) {
	rows, err := s.query(ctx, `
		SELECT id, conversation_id, user_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ? AND user_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &role, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = turns.Role(role)
		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *sqlStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.query(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// UpsertConversation writes the full record. An existing conversation with the
// same ID but a different owner is left alone and reported as ErrNotFound.
func (s *sqlStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	result, err := s.exec(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE conversations.user_id = excluded.user_id
	`,
		conv.ID,
		conv.UserID,
		conv.Title,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	s.logger.Debug("upserted conversation", "id", conv.ID, "title", conv.Title)
	return s.GetConversation(ctx, conv.UserID, conv.ID)
}

// DeleteMessages removes all messages for the conversation.
func (s *sqlStore) DeleteMessages(ctx context.Context, conversationID, userID string) (int, error) {
	result, err := s.exec(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("deleted messages", "conversation_id", conversationID, "count", n)
	return int(n), nil
}

// DeleteConversation removes the conversation record.
// Returns ErrNotFound if the conversation doesn't exist for userID.
func (s *sqlStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	result, err := s.exec(ctx, `
		DELETE FROM conversations WHERE id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", conversationID)
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}

	var err error
	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// rebindQuestion leaves ? placeholders as they are.
func rebindQuestion(query string) string {
	return query
}

// rebindDollar turns ? placeholders into $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// pingTimeout bounds the connectivity check done when a store is opened.
const pingTimeout = 5 * time.Second
