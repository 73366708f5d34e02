package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRelay relays session signals over Redis pub/sub. Each running
// session subscribes to its own chat channel, so a Publish that reaches zero
// subscribers means no instance is streaming that chat.
type RedisRelay struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisRelay creates a relay from a redis:// URL.
func NewRedisRelay(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayFromClient(client, prefix, logger), nil
}

// NewRedisRelayFromClient wraps an existing client.
func NewRedisRelayFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisRelay {
	if strings.TrimSpace(prefix) == "" {
		prefix = "toolgate"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, prefix: prefix, logger: logger.With("component", "redis-relay")}
}

func (r *RedisRelay) channel(chatID string) string {
	return fmt.Sprintf("%s:chat:%s", r.prefix, chatID)
}

// Subscribe listens on the chat channel. The subscription is confirmed
// before Subscribe returns so a Publish issued afterwards is not lost.
func (r *RedisRelay) Subscribe(ctx context.Context, chatID string, handle func(Envelope)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(chatID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", chatID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping malformed relay message", "chat_id", chatID, "error", err)
				continue
			}
			handle(env)
		}
	}()

	return func() {
		pubsub.Close()
		<-done
	}, nil
}

// Publish sends env on the chat channel.
func (r *RedisRelay) Publish(ctx context.Context, chatID string, env Envelope) (bool, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return false, err
	}
	receivers, err := r.client.Publish(ctx, r.channel(chatID), payload).Result()
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", chatID, err)
	}
	return receivers > 0, nil
}

// Close releases the Redis connection pool.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
