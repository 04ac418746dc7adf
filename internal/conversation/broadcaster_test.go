// ABOUTME: Tests for the conversation event broadcaster
// ABOUTME: Covers per-user fan-out, lagging subscribers, subscription lifetimes and concurrent use

package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageEvent(userID, content string) *Event {
	ev := newEvent(EventMessageAdded, userID, "conv-1")
	ev.Role = "user"
	ev.Content = content
	return ev
}

// recv waits briefly for one event; nil means nothing arrived.
func recv(t *testing.T, ch <-chan *Event, wait time.Duration) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			return nil
		}
		return ev
	case <-time.After(wait):
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan *Event) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel was not closed")
		}
	}
}

func TestBroadcaster_FanOutToUserOnly(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	a1, _ := b.Subscribe(ctx, "alice")
	a2, _ := b.Subscribe(ctx, "alice")
	bob, _ := b.Subscribe(ctx, "bob")

	ev := messageEvent("alice", "hi")
	b.Publish("alice", ev, "")

	for i, ch := range []<-chan *Event{a1, a2} {
		got := recv(t, ch, time.Second)
		require.NotNil(t, got, "alice subscription %d got nothing", i)
		assert.Equal(t, ev.ID, got.ID)
	}
	assert.Nil(t, recv(t, bob, 50*time.Millisecond), "bob must not see alice's events")
}

func TestBroadcaster_SkipsOriginatingSubscription(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	origin, originID := b.Subscribe(ctx, "alice")
	other, _ := b.Subscribe(ctx, "alice")

	b.Publish("alice", messageEvent("alice", "hi"), originID)

	assert.Nil(t, recv(t, origin, 50*time.Millisecond))
	assert.NotNil(t, recv(t, other, time.Second))
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	require.NoError(t, b.PublishEvent(context.Background(), messageEvent("nobody", "hi")))
	assert.Zero(t, b.Dropped())
}

func TestBroadcaster_LaggingSubscriberDropsAndCounts(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "alice")

	extra := 5
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+extra; i++ {
			b.Publish("alice", messageEvent("alice", fmt.Sprint(i)), "")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Len(t, ch, subscriberBufferSize)
	assert.Equal(t, uint64(extra), b.Dropped())
	first := <-ch
	assert.Equal(t, "0", first.Content, "buffered events keep publish order")
}

func TestBroadcaster_SubscriptionLifetimes(t *testing.T) {
	t.Run("context cancel", func(t *testing.T) {
		b := NewEventBroadcaster(nil)
		defer b.Close()

		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := b.Subscribe(ctx, "alice")
		require.Equal(t, 1, b.SubscriberCount())

		cancel()
		waitClosed(t, ch)
		assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("unsubscribe twice", func(t *testing.T) {
		b := NewEventBroadcaster(nil)
		defer b.Close()

		ch, id := b.Subscribe(t.Context(), "alice")
		b.Unsubscribe("alice", id)
		b.Unsubscribe("alice", id)
		b.Unsubscribe("ghost", "nope")

		waitClosed(t, ch)
		assert.Zero(t, b.SubscriberCount())
	})

	t.Run("close", func(t *testing.T) {
		b := NewEventBroadcaster(nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		chans := []<-chan *Event{}
		for _, user := range []string{"alice", "alice", "bob"} {
			ch, _ := b.Subscribe(ctx, user)
			chans = append(chans, ch)
		}

		b.Close()
		b.Close()
		for _, ch := range chans {
			waitClosed(t, ch)
		}
		assert.Zero(t, b.SubscriberCount())

		late, _ := b.Subscribe(ctx, "alice")
		waitClosed(t, late)
		assert.Zero(t, b.SubscriberCount(), "subscriptions after Close are not registered")

		cancel()
	})
}

func TestBroadcaster_ConcurrentUse(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		user := fmt.Sprintf("user-%d", i%3)
		wg.Add(2)
		go func() {
			defer wg.Done()
			subCtx, subCancel := context.WithCancel(ctx)
			ch, _ := b.Subscribe(subCtx, user)
			for j := 0; j < 20; j++ {
				select {
				case <-ch:
				default:
				}
			}
			subCancel()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(user, messageEvent(user, "x"), "")
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}
