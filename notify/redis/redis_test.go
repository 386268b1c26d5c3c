package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisNotifier(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	n := New(Config{Client: client, ChannelPrefix: "test:notify:" + uuid.NewString() + ":"})
	ctx := context.Background()

	sub, err := n.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := n.Publish(ctx, "s1", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case payload := <-sub.C():
		if string(payload) != "hello" {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}
