// Package redis provides a notify.Notifier over Redis pub/sub so the
// dispatcher and the waiting request handler can live in different
// processes. Pub/sub fire-and-forget semantics match the contract: a
// notification with no subscribers is dropped.
package redis

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/chatrelay/notify"
)

// Config for the Redis notifier.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// ChannelPrefix is prepended to session ids to form the pub/sub
	// channel name. Defaults to "chatrelay:notify:".
	ChannelPrefix string
}

type Notifier struct {
	client redis.UniversalClient
	prefix string
}

func New(cfg Config) *Notifier {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "chatrelay:notify:"
	}
	return &Notifier{client: cfg.Client, prefix: prefix}
}

func (n *Notifier) channel(sessionID string) string {
	return n.prefix + sessionID
}

// Subscribe implements notify.Notifier.Subscribe. The registration is
// confirmed with the server before Subscribe returns, so a publish
// issued afterwards is guaranteed to reach this subscription.
func (n *Notifier) Subscribe(ctx context.Context, sessionID string) (notify.Subscription, error) {
	ps := n.client.Subscribe(ctx, n.channel(sessionID))

	// Wait for the subscription confirmation; without it a publish
	// racing Subscribe could be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &subscription{ps: ps, ch: make(chan []byte, 1), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

// Publish implements notify.Notifier.Publish.
func (n *Notifier) Publish(ctx context.Context, sessionID string, payload []byte) error {
	return n.client.Publish(ctx, n.channel(sessionID), payload).Err()
}

type subscription struct {
	ps     *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (s *subscription) pump() {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			default:
				// Subscriber is not draining; drop rather than block.
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) C() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		return s.ps.Close()
	}
	return nil
}

// Compile-time interface checks
var (
	_ notify.Notifier     = (*Notifier)(nil)
	_ notify.Subscription = (*subscription)(nil)
)
