// Package queuetest provides a conformance suite that every
// queue.Queue implementation must pass. Implementation packages run it
// from their own tests with a factory for a fresh queue.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/chatrelay/queue"
)

// Options tune the queue under test. Implementations map them onto
// their own configuration.
type Options struct {
	Capacity        int
	MessageTTL      time.Duration
	RedeliveryDelay time.Duration
}

// Factory creates a fresh queue for one subtest. The factory is
// responsible for registering cleanup with t.
type Factory func(t *testing.T, opts Options) queue.Queue

// Run executes the full conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishDeliverAck", func(t *testing.T) { testPublishDeliverAck(t, factory) })
	t.Run("DeliveryOrder", func(t *testing.T) { testDeliveryOrder(t, factory) })
	t.Run("CapacityRejectsOverflow", func(t *testing.T) { testCapacityRejectsOverflow(t, factory) })
	t.Run("RequeueRedelivers", func(t *testing.T) { testRequeueRedelivers(t, factory) })
	t.Run("NackDropDiscards", func(t *testing.T) { testNackDropDiscards(t, factory) })
	t.Run("PrefetchOne", func(t *testing.T) { testPrefetchOne(t, factory) })
	t.Run("ExpiredMessagesDropped", func(t *testing.T) { testExpiredMessagesDropped(t, factory) })
	t.Run("ConsumeStopsOnCancel", func(t *testing.T) { testConsumeStopsOnCancel(t, factory) })
	t.Run("SettleIsOnceOnly", func(t *testing.T) { testSettleIsOnceOnly(t, factory) })
}

// collect consumes messages, applying settle to each delivery, until n
// messages arrived or the timeout elapsed.
func collect(t *testing.T, q queue.Queue, n int, timeout time.Duration, settle func(ctx context.Context, d queue.Delivery)) []queue.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	var got []queue.Message

	err := q.Consume(ctx, func(ctx context.Context, d queue.Delivery) {
		mu.Lock()
		got = append(got, d.Message())
		done := len(got) >= n
		mu.Unlock()

		settle(ctx, d)
		if done {
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("consume failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return got
}

func ack(ctx context.Context, d queue.Delivery) { _ = d.Ack(ctx) }

func testPublishDeliverAck(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10})
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte(`{"sessionId":"s1","userInput":"hello"}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty message id")
	}

	got := collect(t, q, 1, 5*time.Second, ack)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != id {
		t.Fatalf("expected message id %s, got %s", id, got[0].ID)
	}
	if string(got[0].Body) != `{"sessionId":"s1","userInput":"hello"}` {
		t.Fatalf("unexpected body: %s", got[0].Body)
	}
	if got[0].Attempts != 1 {
		t.Fatalf("expected first attempt, got %d", got[0].Attempts)
	}
}

func testDeliveryOrder(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Publish(ctx, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	got := collect(t, q, 3, 5*time.Second, ack)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, msg := range got {
		if want := fmt.Sprintf("msg-%d", i); string(msg.Body) != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, msg.Body)
		}
	}
}

func testCapacityRejectsOverflow(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Publish(ctx, []byte("fill")); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	if _, err := q.Publish(ctx, []byte("overflow")); !errors.Is(err, queue.ErrFull) {
		t.Fatalf("expected ErrFull at capacity, got %v", err)
	}
}

func testRequeueRedelivers(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10, RedeliveryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("retry-me")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	first := true
	got := collect(t, q, 2, 5*time.Second, func(ctx context.Context, d queue.Delivery) {
		if first {
			first = false
			_ = d.Nack(ctx, true)
			return
		}
		_ = d.Ack(ctx)
	})

	if len(got) != 2 {
		t.Fatalf("expected redelivery, got %d deliveries", len(got))
	}
	if string(got[1].Body) != "retry-me" {
		t.Fatalf("unexpected redelivered body: %s", got[1].Body)
	}
	if got[1].Attempts < 2 {
		t.Fatalf("expected attempt count >= 2 on redelivery, got %d", got[1].Attempts)
	}
}

func testNackDropDiscards(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10, RedeliveryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("poison")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("after")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var bodies []string
	got := collect(t, q, 2, 2*time.Second, func(ctx context.Context, d queue.Delivery) {
		bodies = append(bodies, string(d.Message().Body))
		if string(d.Message().Body) == "poison" {
			_ = d.Nack(ctx, false)
			return
		}
		_ = d.Ack(ctx)
	})

	// The poison message is permanently dropped: only one delivery each.
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d (%v)", len(got), bodies)
	}
	for _, b := range bodies[1:] {
		if b == "poison" {
			t.Fatal("dropped message was redelivered")
		}
	}
}

func testPrefetchOne(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Publish(ctx, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	// Leave the first delivery unsettled: the queue must not hand out
	// the second message while one delivery is outstanding.
	var mu sync.Mutex
	delivered := 0

	consumeCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = q.Consume(consumeCtx, func(ctx context.Context, d queue.Delivery) {
		mu.Lock()
		delivered++
		mu.Unlock()
		// Never settle.
	})

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected exactly 1 delivery while unsettled, got %d", delivered)
	}
}

func testExpiredMessagesDropped(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10, MessageTTL: 20 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("stale")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := q.Publish(ctx, []byte("fresh")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := collect(t, q, 1, 2*time.Second, ack)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if string(got[0].Body) != "fresh" {
		t.Fatalf("expected expired message to be dropped, got %s", got[0].Body)
	}
}

func testConsumeStopsOnCancel(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(ctx context.Context, d queue.Delivery) {
			_ = d.Ack(ctx)
		})
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop after cancellation")
	}
}

func testSettleIsOnceOnly(t *testing.T, factory Factory) {
	q := factory(t, Options{Capacity: 10})
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("once")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	collect(t, q, 1, 5*time.Second, func(ctx context.Context, d queue.Delivery) {
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("first ack failed: %v", err)
		}
		if err := d.Nack(ctx, true); !errors.Is(err, queue.ErrAlreadySettled) {
			t.Fatalf("expected ErrAlreadySettled on double settle, got %v", err)
		}
	})
}
