// ABOUTME: In-memory Store implementation for tests and the "memory" database driver
// ABOUTME: Returns copies so callers can't mutate stored records

package store

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-rag/internal/turns"
)

// MockStore is an in-memory Store implementation.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	order         []string                 // conversation IDs in creation order
	messages      map[string][]*Message    // keyed by conversation ID
	clock         *monotonicClock

	// Injected failures for tests. Nil means the call succeeds.
	CreateMessageErr      error
	DeleteConversationErr error
	PingErr               error

	// UpsertCalls counts UpsertConversation invocations.
	UpsertCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		clock:         newMonotonicClock(),
	}
}

// CreateConversation stores a new untitled conversation.
func (m *MockStore) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	c := &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	m.order = append(m.order, c.ID)

	result := *c
	return &result, nil
}

// CreateMessage appends a message to an owned conversation.
func (m *MockStore) CreateMessage(ctx context.Context, conversationID, userID string, turn turns.Completion) (*Message, error) {
	if m.CreateMessageErr != nil {
		return nil, m.CreateMessageErr
	}
	if !validRole(turn.Role) {
		return nil, ErrInvalidRole
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           turn.Role,
		Content:        turn.Content,
		CreatedAt:      m.clock.Now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	result := *msg
	return &result, nil
}

// GetConversation retrieves a conversation owned by userID.
func (m *MockStore) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetMessages returns the user's messages oldest first.
func (m *MockStore) GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.UserID != userID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

// ListConversations returns the user's conversations in creation order.
func (m *MockStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, id := range m.order {
		c, ok := m.conversations[id]
		if !ok || c.UserID != userID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertConversation replaces or inserts the record.
func (m *MockStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls++
	if existing, ok := m.conversations[conv.ID]; ok && existing.UserID != conv.UserID {
		return nil, ErrNotFound
	}
	if _, ok := m.conversations[conv.ID]; !ok {
		m.order = append(m.order, conv.ID)
	}
	c := *conv
	m.conversations[c.ID] = &c

	result := c
	return &result, nil
}

// DeleteMessages removes the user's messages in the conversation.
func (m *MockStore) DeleteMessages(ctx context.Context, conversationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Message
	deleted := 0
	for _, msg := range m.messages[conversationID] {
		if msg.UserID == userID {
			deleted++
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) == 0 {
		delete(m.messages, conversationID)
	} else {
		m.messages[conversationID] = kept
	}
	return deleted, nil
}

// DeleteConversation removes the conversation record.
func (m *MockStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if m.DeleteConversationErr != nil {
		return m.DeleteConversationErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(m.conversations, conversationID)
	for i, id := range m.order {
		if id == conversationID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// MessageCount returns how many messages are stored for the conversation, for any user.
func (m *MockStore) MessageCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[conversationID])
}

// ErrMockUnavailable is a convenience failure for tests that simulate an outage.
var ErrMockUnavailable = errors.New("mock store unavailable")

var _ Store = (*MockStore)(nil)
