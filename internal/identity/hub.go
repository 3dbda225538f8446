package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RefreshChannel is the redis channel carrying uids whose claims changed.
const RefreshChannel = "identity:refresh"

// Hub fans token-refresh signals out to the browser sessions of one process.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns a channel signalled whenever uid must refresh, and a
// function releasing it. Signals coalesce.
func (h *Hub) Subscribe(uid string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.subs[uid]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[uid] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[uid], ch)
			if len(h.subs[uid]) == 0 {
				delete(h.subs, uid)
			}
			close(ch)
		})
	}
}

// Publish implements Publisher for a single process.
func (h *Hub) Publish(_ context.Context, uid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[uid] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of subscriptions for uid.
func (h *Hub) Subscribers(uid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[uid])
}

// RedisRelay publishes refreshes on RefreshChannel so every server process
// hears them, and forwards what it receives into the local Hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

// NewRedisRelay constructs a relay.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, hub: hub, logger: logger}
}

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, uid string) error {
	return r.client.Publish(ctx, RefreshChannel, uid).Err()
}

// Run forwards received uids into the hub until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, RefreshChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.logger.Info("identity refresh relay subscribed", slog.String("channel", RefreshChannel))
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := r.hub.Publish(ctx, msg.Payload); err != nil {
				r.logger.Warn("identity refresh relay", slog.Any("error", err))
			}
		}
	}
}

var (
	_ Publisher = (*Hub)(nil)
	_ Publisher = (*RedisRelay)(nil)
)
