package pricing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel carrying pricing change notices.
const DefaultChannel = "tradeslead:pricing:changed"

// RedisNotifier broadcasts pricing changes so every instance reloads its snapshot.
type RedisNotifier struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
}

func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, instanceID: uuid.NewString()}
}

// Notify publishes this instance's id; Listen ignores its own messages.
func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, n.channel, n.instanceID).Err()
}

// Listen reloads reg whenever another instance announces a change. It blocks until ctx is done.
func (n *RedisNotifier) Listen(ctx context.Context, reg *Registry, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.handle(ctx, reg, msg.Payload, log)
		}
	}
}

// handle reloads reg for a change announced by another instance and reports whether it did.
func (n *RedisNotifier) handle(ctx context.Context, reg *Registry, origin string, log *slog.Logger) bool {
	if origin == n.instanceID {
		return false
	}
	if err := reg.Load(ctx); err != nil {
		log.Error("pricing reload after remote change failed", "error", err)
		return false
	}
	log.Info("pricing reloaded after remote change", "origin", origin)
	return true
}
