package saga

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier announces terminal instances over redis pub/sub so API
// processes can unblock waiting callers without polling the store.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier constructs a RedisNotifier.
func NewRedisNotifier(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, logger: logger}
}

func resultChannel(instanceID string) string {
	return "saga:done:" + instanceID
}

// Publish announces that the instance reached a terminal status. Publication
// is best-effort; waiters fall back to polling.
func (n *RedisNotifier) Publish(ctx context.Context, instanceID string) {
	if err := n.client.Publish(ctx, resultChannel(instanceID), "done").Err(); err != nil {
		n.logger.Warn("publish saga completion", slog.String("instance_id", instanceID), slog.Any("error", err))
	}
}

// Subscribe returns a channel that receives a tick when the instance
// terminates, plus a stop function releasing the subscription.
func (n *RedisNotifier) Subscribe(ctx context.Context, instanceID string) (<-chan struct{}, func()) {
	sub := n.client.Subscribe(ctx, resultChannel(instanceID))
	ch := make(chan struct{}, 1)
	go func() {
		for range sub.Channel() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, func() { _ = sub.Close() }
}
