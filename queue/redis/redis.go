// Package redis provides a Redis Streams implementation of
// queue.Queue using consumer groups for explicit acknowledgement.
// Messages survive process restarts: unacknowledged entries stay in the
// stream's pending list and are reclaimed when the consumer comes back.
//
// The package also owns the broker connection lifecycle: a fixed-delay
// reconnect loop that re-registers the consumer group after every
// reconnect, since a fresh connection has no consumers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/chatrelay/queue"
)

// Config for the Redis-backed queue. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". Empty means the broker is not
	// configured and New fails fast with queue.ErrNotConfigured.
	// ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR"`

	// Client overrides Addr with a pre-built client. Used by tests.
	Client redis.UniversalClient

	// Stream is the Redis stream key holding queued requests.
	// ENV: QUEUE_STREAM
	Stream string `env:"QUEUE_STREAM,default=chatrelay:requests"`

	// Group is the consumer group name. ENV: QUEUE_GROUP
	Group string `env:"QUEUE_GROUP,default=chatrelay"`

	// Capacity bounds the stream length; publishes beyond it are
	// refused with queue.ErrFull. ENV: QUEUE_CAPACITY
	Capacity int64 `env:"QUEUE_CAPACITY,default=1000"`

	// MessageTTL expires messages older than this at delivery time.
	// Zero disables expiry. ENV: QUEUE_MESSAGE_TTL
	MessageTTL time.Duration `env:"QUEUE_MESSAGE_TTL,default=60s"`

	// ReconnectDelay is the fixed backoff between reconnection
	// attempts. Attempts repeat indefinitely; there is no ceiling and
	// no exponential growth. ENV: QUEUE_RECONNECT_DELAY
	ReconnectDelay time.Duration `env:"QUEUE_RECONNECT_DELAY,default=5s"`
}

// Queue is a durable queue over one Redis stream and consumer group.
type Queue struct {
	cfg      Config
	log      *slog.Logger
	consumer string

	mu     sync.Mutex
	client redis.UniversalClient

	state  atomic.Int32
	closed atomic.Bool
	done   chan struct{}
}

// New creates a Redis-backed queue. It does not dial eagerly; the
// connection is established on first use and re-established after
// failures by the consume loop.
func New(cfg Config, log *slog.Logger) (*Queue, error) {
	if cfg.Addr == "" && cfg.Client == nil {
		return nil, queue.ErrNotConfigured
	}
	if cfg.Stream == "" {
		cfg.Stream = "chatrelay:requests"
	}
	if cfg.Group == "" {
		cfg.Group = "chatrelay"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		cfg:      cfg,
		log:      log,
		consumer: "consumer-" + uuid.NewString(),
		done:     make(chan struct{}),
	}, nil
}

// NewFromEnv builds a queue using envdecode to populate Config.
func NewFromEnv(log *slog.Logger) (*Queue, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode queue config: %w", err)
	}
	return New(cfg, log)
}

// State reports the connection lifecycle state.
func (q *Queue) State() queue.State {
	return queue.State(q.state.Load())
}

// Close tears down the connection. Unacknowledged messages remain in
// the stream's pending list for the next consumer incarnation.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(q.done)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.Store(int32(queue.StateDisconnected))
	if q.client != nil && q.cfg.Client == nil {
		err := q.client.Close()
		q.client = nil
		return err
	}
	q.client = nil
	return nil
}

// ensure returns a usable client, dialing and declaring the consumer
// group if necessary. It fails with queue.ErrUnavailable when the
// broker cannot be reached.
func (q *Queue) ensure(ctx context.Context) (redis.UniversalClient, error) {
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client != nil && q.State() == queue.StateConnected {
		return q.client, nil
	}

	q.state.Store(int32(queue.StateConnecting))

	client := q.cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: q.cfg.Addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if q.cfg.Client == nil {
			_ = client.Close()
		}
		q.state.Store(int32(queue.StateDisconnected))
		return nil, fmt.Errorf("%w: ping: %v", queue.ErrUnavailable, err)
	}

	// Declare the durable group. A fresh connection has no consumers, so
	// this runs again after every reconnect.
	if err := client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err(); err != nil && !isBusyGroup(err) {
		if q.cfg.Client == nil {
			_ = client.Close()
		}
		q.state.Store(int32(queue.StateDisconnected))
		return nil, fmt.Errorf("%w: declare group: %v", queue.ErrUnavailable, err)
	}

	q.client = client
	q.state.Store(int32(queue.StateConnected))
	return client, nil
}

// degrade records a broker failure and drops the connection handle so
// the next ensure re-establishes it.
func (q *Queue) degrade(err error) {
	q.log.Warn("broker connection degraded", slog.String("err", err.Error()))
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.Store(int32(queue.StateDegraded))
	if q.client != nil && q.cfg.Client == nil {
		_ = q.client.Close()
	}
	q.client = nil
	q.state.Store(int32(queue.StateDisconnected))
}

// Publish implements queue.Queue.Publish.
func (q *Queue) Publish(ctx context.Context, body []byte) (string, error) {
	client, err := q.ensure(ctx)
	if err != nil {
		return "", err
	}

	// The capacity check is advisory: concurrent publishers can
	// overshoot by a few entries, which is acceptable for an
	// overflow-rejection policy.
	n, err := client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		q.degrade(err)
		return "", fmt.Errorf("%w: xlen: %v", queue.ErrUnavailable, err)
	}
	if n >= q.cfg.Capacity {
		return "", queue.ErrFull
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"body":       body,
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339Nano),
			"attempts":   0,
		},
	}).Result()
	if err != nil {
		q.degrade(err)
		return "", fmt.Errorf("%w: xadd: %v", queue.ErrUnavailable, err)
	}
	return id, nil
}

// Consume implements queue.Queue.Consume. On connection failure the
// loop backs off for the configured fixed delay and reconnects,
// re-registering the consumer group, until the context is cancelled or
// the queue is closed. Reconnection attempts repeat indefinitely.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.closed.Load() {
			return queue.ErrClosed
		}

		client, err := q.ensure(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			q.log.Warn("broker unreachable, retrying",
				slog.Duration("delay", q.cfg.ReconnectDelay))
			if err := q.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		err = q.consumeLoop(ctx, client, h)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, queue.ErrClosed):
			return err
		default:
			q.degrade(err)
			if err := q.sleep(ctx); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) sleep(ctx context.Context) error {
	timer := time.NewTimer(q.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return queue.ErrClosed
	}
}

// consumeLoop reads one entry at a time until a broker error occurs.
// It first drains this consumer's pending entries so messages that were
// delivered but never acknowledged before a restart are processed
// again.
func (q *Queue) consumeLoop(ctx context.Context, client redis.UniversalClient, h queue.Handler) error {
	// "0" replays our pending entries; ">" then reads new ones.
	cursor := "0"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.closed.Load() {
			return queue.ErrClosed
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.consumer,
			Streams:  []string{q.cfg.Stream, cursor},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		delivered := false
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivered = true
				if cursor != ">" {
					cursor = entry.ID
				}
				if err := q.handleEntry(ctx, client, entry, h); err != nil {
					return err
				}
			}
		}

		// An empty reply on the pending cursor means the backlog is
		// drained; switch to new messages.
		if !delivered && cursor != ">" {
			cursor = ">"
		}
	}
}

func (q *Queue) handleEntry(ctx context.Context, client redis.UniversalClient, entry redis.XMessage, h queue.Handler) error {
	msg, ok := decodeEntry(entry)
	if !ok {
		// Malformed entry: acknowledge and drop so it cannot wedge the
		// stream.
		q.log.Warn("dropping malformed queue entry", slog.String("id", entry.ID))
		return q.settle(ctx, client, entry.ID)
	}

	if q.cfg.MessageTTL > 0 && time.Since(msg.EnqueuedAt) > q.cfg.MessageTTL {
		q.log.Debug("dropping expired queue entry",
			slog.String("id", entry.ID),
			slog.Time("enqueued_at", msg.EnqueuedAt))
		return q.settle(ctx, client, entry.ID)
	}

	msg.Attempts++
	d := &delivery{
		q:       q,
		client:  client,
		entryID: entry.ID,
		msg:     msg,
		settled: make(chan struct{}),
	}
	h(ctx, d)

	// Prefetch 1: wait for settlement before reading the next entry.
	select {
	case <-d.settled:
		return d.settleErr
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return queue.ErrClosed
	}
}

// settle acknowledges and deletes an entry without delivering it.
func (q *Queue) settle(ctx context.Context, client redis.UniversalClient, entryID string) error {
	pipe := client.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, entryID)
	pipe.XDel(ctx, q.cfg.Stream, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settle entry %s: %w", entryID, err)
	}
	return nil
}

func decodeEntry(entry redis.XMessage) (queue.Message, bool) {
	body, ok := entry.Values["body"].(string)
	if !ok {
		return queue.Message{}, false
	}

	msg := queue.Message{ID: entry.ID, Body: []byte(body)}

	if raw, ok := entry.Values["enqueuedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.EnqueuedAt = ts
		}
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	if raw, ok := entry.Values["attempts"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			msg.Attempts = n
		}
	}
	return msg, true
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

type delivery struct {
	q       *Queue
	client  redis.UniversalClient
	entryID string
	msg     queue.Message

	once      atomic.Bool
	settled   chan struct{}
	settleErr error
}

func (d *delivery) Message() queue.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	if !d.once.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}
	err := d.q.settle(ctx, d.client, d.entryID)
	d.settleErr = err
	close(d.settled)
	return err
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !d.once.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}

	var err error
	if requeue {
		// Re-add before acknowledging the old entry so the message is
		// never lost between the two operations. The original enqueue
		// timestamp is preserved so expiry covers total queue time.
		pipe := d.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: d.q.cfg.Stream,
			Values: map[string]any{
				"body":       d.msg.Body,
				"enqueuedAt": d.msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
				"attempts":   d.msg.Attempts,
			},
		})
		pipe.XAck(ctx, d.q.cfg.Stream, d.q.cfg.Group, d.entryID)
		pipe.XDel(ctx, d.q.cfg.Stream, d.entryID)
		_, err = pipe.Exec(ctx)
		if err != nil {
			err = fmt.Errorf("requeue entry %s: %w", d.entryID, err)
		}
	} else {
		err = d.q.settle(ctx, d.client, d.entryID)
	}

	d.settleErr = err
	close(d.settled)
	return err
}

// Compile-time interface checks
var (
	_ queue.Queue    = (*Queue)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
