// ABOUTME: Store interface and data types for conversation history persistence
// ABOUTME: Defines Conversation, Message and the per-user Store contract shared by all backends

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/2389/coven-rag/internal/turns"
)

// ErrNotFound is returned when a conversation does not exist or belongs to another user
var ErrNotFound = errors.New("not found")

// ErrInvalidRole is returned when a message role is not user or assistant
var ErrInvalidRole = errors.New("invalid message role")

// Conversation is the parent record of a chat history.
// Title stays empty until the title generator fills it in.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single user or assistant turn.
// Messages are append-only and ordered by CreatedAt, then by insertion.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	Role           turns.Role `json:"role"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Record returns the message as a turn record.
func (m *Message) Record() turns.Record {
	return turns.Record{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

// Records converts messages in order.
func Records(msgs []*Message) []turns.Record {
	out := make([]turns.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Record())
	}
	return out
}

// Store defines conversation history operations.
// Every read and write is scoped to the owning user; a conversation owned by
// someone else behaves as if it does not exist.
type Store interface {
	// CreateConversation allocates a new conversation with an empty title.
	CreateConversation(ctx context.Context, userID string) (*Conversation, error)

	// CreateMessage appends a turn. Returns ErrNotFound if the conversation
	// is missing or not owned by userID.
	CreateMessage(ctx context.Context, conversationID, userID string, turn turns.Completion) (*Message, error)

	// GetConversation returns ErrNotFound when there is no such conversation for userID.
	GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error)

	// GetMessages returns the conversation's turns oldest first.
	GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error)

	// ListConversations returns the user's conversations in store order.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// UpsertConversation replaces the full record, creating it if needed.
	UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error)

	// DeleteMessages removes every message of the conversation and reports how many went.
	DeleteMessages(ctx context.Context, conversationID, userID string) (int, error)

	// DeleteConversation removes the conversation record. Returns ErrNotFound
	// if nothing was deleted. Messages are not touched; callers delete them first.
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// validRole reports whether a turn may be stored.
func validRole(r turns.Role) bool {
	return r == turns.RoleUser || r == turns.RoleAssistant
}

// timeLayout is a fixed-width UTC layout so string comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// monotonicClock hands out strictly increasing timestamps so turns written in
// sequence never share or invert a CreatedAt.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{now: time.Now}
}

// Now returns the current UTC time, bumped past the previous value if needed.
func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
