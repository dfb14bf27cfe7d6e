package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "selfheal:events"

// RedisNotifier publishes messages to a Redis pub/sub channel so observers
// on other instances receive them.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisNotifier connects to redisURL (redis://host:port/db) and verifies
// the connection.
func NewRedisNotifier(ctx context.Context, redisURL, channel string, logger zerolog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis-notifier").Logger(),
	}, nil
}

// Channel returns the publish channel.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Notify publishes msg as JSON.
func (n *RedisNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.logger.Warn().Err(err).Str("channel", n.channel).Msg("Failed to publish message")
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
