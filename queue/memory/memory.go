// Package memory provides an in-process implementation of queue.Queue
// using Go channels. It preserves the broker contract — bounded
// capacity with publish rejection, message expiry, manual
// acknowledgement, prefetch of one — without any external service, and
// is the backend used by tests and single-node deployments.
package memory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/chatrelay/queue"
)

// Config controls queue behavior. The zero value is usable.
type Config struct {
	// Capacity bounds the number of queued messages. Publish returns
	// queue.ErrFull beyond it. Defaults to 1000.
	Capacity int

	// MessageTTL expires messages that sat on the queue longer than
	// this; expired messages are dropped at delivery time. Zero
	// disables expiry.
	MessageTTL time.Duration

	// RedeliveryDelay is how long a requeued message waits before it is
	// eligible for delivery again. This stands in for the broker's own
	// retry scheduling. Defaults to 100ms.
	RedeliveryDelay time.Duration
}

// Queue is an in-memory FIFO queue with manual acknowledgement.
type Queue struct {
	cfg    Config
	ch     chan queue.Message
	done   chan struct{}
	closed atomic.Bool
}

func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 100 * time.Millisecond
	}
	return &Queue{
		cfg:  cfg,
		ch:   make(chan queue.Message, cfg.Capacity),
		done: make(chan struct{}),
	}
}

// Publish implements queue.Queue.Publish.
func (q *Queue) Publish(ctx context.Context, body []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if q.closed.Load() {
		return "", queue.ErrClosed
	}

	msg := queue.Message{
		ID:         uuid.NewString(),
		Body:       body,
		EnqueuedAt: time.Now(),
	}

	select {
	case q.ch <- msg:
		return msg.ID, nil
	case <-q.done:
		return "", queue.ErrClosed
	default:
		return "", queue.ErrFull
	}
}

// Consume implements queue.Queue.Consume. Deliveries are handed to the
// handler strictly one at a time: the next message is pulled only after
// the previous delivery has been settled.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		var msg queue.Message
		select {
		case msg = <-q.ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return queue.ErrClosed
		}

		if q.expired(msg) {
			continue
		}

		msg.Attempts++
		d := &delivery{q: q, msg: msg, settled: make(chan struct{})}
		h(ctx, d)

		// Prefetch 1: block until the handler settles the delivery.
		select {
		case <-d.settled:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return queue.ErrClosed
		}
	}
}

// Close shuts the queue down. Pending messages are discarded.
func (q *Queue) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
	return nil
}

// Len reports the number of messages currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) expired(msg queue.Message) bool {
	return q.cfg.MessageTTL > 0 && time.Since(msg.EnqueuedAt) > q.cfg.MessageTTL
}

func (q *Queue) requeue(msg queue.Message) {
	// Redelivery waits out the retry delay off the consumer goroutine
	// so the settle signal is not held up.
	timer := time.NewTimer(q.cfg.RedeliveryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.done:
		return
	}
	select {
	case q.ch <- msg:
	case <-q.done:
	}
}

type delivery struct {
	q       *Queue
	msg     queue.Message
	done    atomic.Bool
	settled chan struct{}
}

func (d *delivery) Message() queue.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	if !d.done.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}
	close(d.settled)
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !d.done.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}
	if requeue {
		go d.q.requeue(d.msg)
	}
	close(d.settled)
	return nil
}

// Compile-time interface checks
var (
	_ queue.Queue    = (*Queue)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
