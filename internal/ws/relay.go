package ws

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RelayPrefix namespaces live channels on Redis Pub/Sub.
const RelayPrefix = "shipyard:live:"

// RedisRelay fans live payloads out across API instances. Publish goes to Redis;
// Run feeds every relayed payload, including this instance's own, into the local hub.
type RedisRelay struct {
	client redis.UniversalClient
	local  Publisher
	logger *slog.Logger
}

// NewRedisRelay wires a relay in front of the local hub.
func NewRedisRelay(client redis.UniversalClient, local Publisher, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, local: local, logger: logger.With("component", "relay")}
}

// Publish sends payload to every instance. When Redis is unavailable the payload
// is still delivered to local subscribers.
func (r *RedisRelay) Publish(channel string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, RelayPrefix+channel, payload).Err(); err != nil {
		r.logger.Warn("relay publish failed; delivering locally", "channel", channel, "error", err)
		r.local.Publish(channel, payload)
	}
}

// Run forwards relayed payloads to the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, RelayPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("relay subscribed", "pattern", RelayPrefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.local.Publish(strings.TrimPrefix(msg.Channel, RelayPrefix), []byte(msg.Payload))
		}
	}
}

// Close releases the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
