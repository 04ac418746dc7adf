// ABOUTME: Pebble key-value implementation of the Store interface
// ABOUTME: Conversations and messages are JSON values under ordered, prefix-scannable keys

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/2389/coven-rag/internal/turns"
)

// Key layout:
//
//	conv:<user_id>\x00<conversation_id>                     -> Conversation JSON
//	msg:<conversation_id>\x00<created_unix_nano>-<seq>      -> Message JSON
//
// The zero-padded nanosecond timestamp plus sequence keeps a prefix scan in
// chronological order.
const (
	convPrefix = "conv:"
	msgPrefix  = "msg:"
	keySep     = "\x00"
)

// PebbleStore implements the Store interface on an embedded Pebble database.
type PebbleStore struct {
	db     *pebble.DB
	clock  *monotonicClock
	seq    atomic.Uint64
	logger *slog.Logger

	// mu serializes check-then-write sequences; pebble has no transactions
	mu sync.Mutex
}

// NewPebbleStore opens (or creates) a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble: %w", err)
	}

	logger.Info("Pebble store initialized", "path", dir)
	return &PebbleStore{
		db:     db,
		clock:  newMonotonicClock(),
		logger: logger,
	}, nil
}

func convKey(userID, conversationID string) []byte {
	return []byte(convPrefix + userID + keySep + conversationID)
}

func userConvPrefix(userID string) []byte {
	return []byte(convPrefix + userID + keySep)
}

func convMsgPrefix(conversationID string) []byte {
	return []byte(msgPrefix + conversationID + keySep)
}

func (s *PebbleStore) msgKey(m *Message) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d-%06d",
		msgPrefix, m.ConversationID, keySep, m.CreatedAt.UnixNano(), s.seq.Add(1)%1_000_000))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// scanPrefix calls fn with a copy of each value whose key starts with prefix, in key order.
func (s *PebbleStore) scanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("creating iterator: %w", err)
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *PebbleStore) getJSON(key []byte, v any) error {
	raw, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %q: %w", key, err)
	}
	defer closer.Close()
	return json.Unmarshal(raw, v)
}

func (s *PebbleStore) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return s.db.Set(key, raw, pebble.Sync)
}

// CreateConversation stores a new untitled conversation for userID.
func (s *PebbleStore) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	now := s.clock.Now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putJSON(convKey(userID, conv.ID), conv); err != nil {
		return nil, fmt.Errorf("writing conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", conv.ID, "user_id", userID)
	return conv, nil
}

// CreateMessage appends a turn to a conversation owned by userID.
func (s *PebbleStore) CreateMessage(ctx context.Context, conversationID, userID string, turn turns.Completion) (*Message, error) {
	if !validRole(turn.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conv Conversation
	if err := s.getJSON(convKey(userID, conversationID), &conv); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           turn.Role,
		Content:        turn.Content,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.putJSON(s.msgKey(msg), msg); err != nil {
		return nil, fmt.Errorf("writing message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", conversationID, "role", msg.Role)
	return msg, nil
}

// GetConversation returns ErrNotFound if the conversation doesn't exist for userID.
func (s *PebbleStore) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := s.getJSON(convKey(userID, conversationID), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetMessages returns the user's messages in the conversation, oldest first.
func (s *PebbleStore) GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error) {
	var messages []*Message
	err := s.scanPrefix(convMsgPrefix(conversationID), func(_, value []byte) error {
		var msg Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		if msg.UserID == userID {
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning messages: %w", err)
	}
	return messages, nil
}

// ListConversations returns the user's conversations in key order.
func (s *PebbleStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	var convs []*Conversation
	err := s.scanPrefix(userConvPrefix(userID), func(_, value []byte) error {
		var conv Conversation
		if err := json.Unmarshal(value, &conv); err != nil {
			return fmt.Errorf("decoding conversation: %w", err)
		}
		convs = append(convs, &conv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning conversations: %w", err)
	}
	return convs, nil
}

// UpsertConversation replaces the stored record.
func (s *PebbleStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	stored := *conv
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	if err := s.putJSON(convKey(conv.UserID, conv.ID), &stored); err != nil {
		return nil, fmt.Errorf("writing conversation: %w", err)
	}
	s.logger.Debug("upserted conversation", "id", conv.ID, "title", conv.Title)
	return &stored, nil
}

// DeleteMessages removes every message the user owns in the conversation.
func (s *PebbleStore) DeleteMessages(ctx context.Context, conversationID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	count := 0
	err := s.scanPrefix(convMsgPrefix(conversationID), func(key, value []byte) error {
		var msg Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		if msg.UserID != userID {
			return nil
		}
		count++
		return batch.Delete(key, nil)
	})
	if err != nil {
		return 0, fmt.Errorf("scanning messages: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}

	s.logger.Debug("deleted messages", "conversation_id", conversationID, "count", count)
	return count, nil
}

// DeleteConversation removes the conversation record.
func (s *PebbleStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey(userID, conversationID)
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading conversation: %w", err)
	}
	closer.Close()

	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", conversationID)
	return nil
}

// Ping verifies the database is open.
func (s *PebbleStore) Ping(ctx context.Context) error {
	_, closer, err := s.db.Get([]byte(convPrefix))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	s.logger.Info("closing Pebble store")
	return s.db.Close()
}

var _ Store = (*PebbleStore)(nil)
