package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// InvalidationEvent announces that a tenant's policy changed and any
// cached copy should be dropped. Published by whatever administrative
// surface manages tenant policy (out of scope here); consumed by every
// admission process's Watcher.
type InvalidationEvent struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// RedisConfig holds connection settings for the invalidation transport.
type RedisConfig struct {
	URL     string
	Channel string
}

// NewRedisClient parses a redis:// URL and returns a ready client.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Watcher subscribes to the policy-invalidation channel and drops the
// corresponding entry from a Store's cache on every event.
type Watcher struct {
	redis   *redis.Client
	channel string
	store   *Store
}

// NewWatcher builds a Watcher that invalidates store entries as events
// arrive on channel.
func NewWatcher(redisClient *redis.Client, channel string, store *Store) *Watcher {
	return &Watcher{redis: redisClient, channel: channel, store: store}
}

// Start subscribes and blocks, invalidating cache entries until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	log.Info().
		Str("component", "configstore").
		Str("channel", w.channel).
		Msg("starting policy invalidation watcher")

	pubsub := w.redis.Subscribe(ctx, w.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.channel, err)
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "configstore").Msg("policy invalidation watcher shutting down")
			return ctx.Err()

		case msg := <-ch:
			if msg == nil {
				continue
			}

			var event InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn().
					Str("component", "configstore").
					Err(err).
					Msg("failed to parse invalidation event")
				continue
			}

			w.store.Invalidate(event.TenantID)

			log.Debug().
				Str("component", "configstore").
				Str("tenant_id", event.TenantID).
				Str("reason", event.Reason).
				Msg("policy cache invalidated")
		}
	}
}

// Ping verifies the watcher's Redis connection is alive, satisfying
// internal/health's Pinger interface.
func (w *Watcher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return w.redis.Ping(ctx).Err()
}
