package saga

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisNotifierPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	notifier := NewRedisNotifier(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch, stop := notifier.Subscribe(ctx, "wf-1")
	defer stop()

	// Give the subscription time to register before publishing.
	time.Sleep(50 * time.Millisecond)
	notifier.Publish(ctx, "wf-1")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected completion notification")
	}
}

func TestRedisNotifierScopedToInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	notifier := NewRedisNotifier(client, nil)

	ch, stop := notifier.Subscribe(ctx, "wf-1")
	defer stop()

	time.Sleep(50 * time.Millisecond)
	notifier.Publish(ctx, "wf-2")

	select {
	case <-ch:
		t.Fatal("notification for a different instance leaked through")
	case <-time.After(100 * time.Millisecond):
	}
}
