package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaykit/chatrelay/queue"
	"github.com/relaykit/chatrelay/queue/queuetest"
)

func TestMemoryQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queuetest.Options) queue.Queue {
		q := New(Config{
			Capacity:        opts.Capacity,
			MessageTTL:      opts.MessageTTL,
			RedeliveryDelay: opts.RedeliveryDelay,
		})
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestMemoryQueue_PublishAfterClose(t *testing.T) {
	q := New(Config{Capacity: 4})
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := q.Publish(context.Background(), []byte("late")); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestMemoryQueue_ConsumeStopsOnClose(t *testing.T) {
	q := New(Config{Capacity: 4})

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), func(ctx context.Context, d queue.Delivery) {
			_ = d.Ack(ctx)
		})
	}()

	_ = q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, queue.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop after close")
	}
}

func TestMemoryQueue_RequeueKeepsEnqueueTime(t *testing.T) {
	q := New(Config{Capacity: 4, RedeliveryDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })

	before := time.Now()
	if _, err := q.Publish(context.Background(), []byte("again")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var second queue.Message
	first := true
	_ = q.Consume(ctx, func(ctx context.Context, d queue.Delivery) {
		if first {
			first = false
			_ = d.Nack(ctx, true)
			return
		}
		second = d.Message()
		_ = d.Ack(ctx)
		cancel()
	})

	if second.ID == "" {
		t.Fatal("requeued message was not redelivered")
	}
	// Expiry must cover the whole time on the queue, so the original
	// enqueue timestamp is preserved across requeues.
	if second.EnqueuedAt.After(time.Now()) || second.EnqueuedAt.Before(before.Add(-time.Second)) {
		t.Fatalf("unexpected enqueue time on redelivery: %v", second.EnqueuedAt)
	}
}
