// ABOUTME: In-memory fan-out of conversation events to a user's open clients
// ABOUTME: Subscribers are keyed by user id; slow subscribers drop events instead of blocking

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType names a conversation change.
type EventType string

const (
	EventMessageAdded        EventType = "message_added"
	EventTitleUpdated        EventType = "title_updated"
	EventConversationDeleted EventType = "conversation_deleted"
)

// Event describes a change to one of a user's conversations.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role,omitempty"`
	Content        string    `json:"content,omitempty"`
	Title          string    `json:"title,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	// Origin identifies the process that produced the event.
	Origin string `json:"origin,omitempty"`
}

func newEvent(t EventType, userID, conversationID string) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           t,
		UserID:         userID,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
}

// EventPublisher receives conversation events from the Service.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *Event) error
}

// EventBroadcaster fans events out to each user's open subscriptions.
type EventBroadcaster struct {
	mu     sync.RWMutex
	byUser map[string]map[string]chan *Event
	closed bool

	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		byUser: make(map[string]map[string]chan *Event),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe opens a subscription to userID's events. It ends, and the
// channel is closed, when ctx is done or the broadcaster is closed.
func (b *EventBroadcaster) Subscribe(ctx context.Context, userID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	subs := b.byUser[userID]
	if subs == nil {
		subs = make(map[string]chan *Event)
		b.byUser[userID] = subs
	}
	subs[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "user_id", userID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(userID, subID)
	}()
	return ch, subID
}

// Publish delivers event to every subscription of userID except skipSubID.
// A subscription whose buffer is full misses the event.
func (b *EventBroadcaster) Publish(userID string, event *Event, skipSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.byUser[userID] {
		if id == skipSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber lagging, event dropped",
				"user_id", userID, "sub_id", id, "event_type", event.Type)
		}
	}
}

// PublishEvent implements EventPublisher.
func (b *EventBroadcaster) PublishEvent(_ context.Context, ev *Event) error {
	b.Publish(ev.UserID, ev, "")
	return nil
}

// SubscriberCount returns the number of open subscriptions.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.byUser {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped for lagging subscribers.
func (b *EventBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Unsubscribe ends one subscription. Unknown ids are ignored.
func (b *EventBroadcaster) Unsubscribe(userID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.byUser[userID][subID]
	if !ok {
		return
	}
	delete(b.byUser[userID], subID)
	if len(b.byUser[userID]) == 0 {
		delete(b.byUser, userID)
	}
	close(ch)

	b.logger.Debug("subscriber removed", "user_id", userID, "sub_id", subID)
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for userID, subs := range b.byUser {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.byUser, userID)
	}
	b.logger.Debug("broadcaster closed")
}
