// ABOUTME: Redis pub/sub relay that shares conversation events between gateway instances
// ABOUTME: Local publishes go to the broadcaster and a Redis channel; remote events are re-broadcast locally

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisRelay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisRelay fans events out through a Redis channel so that clients
// connected to any instance see every change.
type RedisRelay struct {
	local   *EventBroadcaster
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(cfg RedisConfig, local *EventBroadcaster, logger *slog.Logger) (*RedisRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = "coven-rag:events"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisRelay{
		local:   local,
		client:  rdb,
		channel: cfg.Channel,
		origin:  uuid.New().String(),
		logger:  logger.With("component", "redis-relay"),
	}, nil
}

// Start subscribes to the channel and re-broadcasts events from other instances.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("subscribing to redis channel: %w", err)
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	r.logger.Info("relay subscribed", "channel", r.channel)

	go func() {
		defer close(r.done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					r.logger.Debug("pubsub channel closed")
					return
				}
				r.deliver(msg.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) deliver(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("failed to decode relayed event", "error", err)
		return
	}
	if ev.Origin == r.origin {
		return
	}
	r.local.Publish(ev.UserID, &ev, "")
}

// PublishEvent delivers locally, then relays to other instances.
func (r *RedisRelay) PublishEvent(ctx context.Context, ev *Event) error {
	r.local.Publish(ev.UserID, ev, "")

	relayed := *ev
	relayed.Origin = r.origin
	payload, err := json.Marshal(&relayed)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Stop ends the subscription and closes the client.
func (r *RedisRelay) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return r.client.Close()
}

var (
	_ EventPublisher = (*EventBroadcaster)(nil)
	_ EventPublisher = (*RedisRelay)(nil)
)
