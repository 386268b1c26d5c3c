// Package memory provides the in-process notify.Notifier used when the
// dispatcher and the request handlers share one process.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relaykit/chatrelay/notify"
)

// Notifier fans payloads out to channel-based subscriptions per
// session.
type Notifier struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func New() *Notifier {
	return &Notifier{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe implements notify.Notifier.Subscribe.
func (n *Notifier) Subscribe(ctx context.Context, sessionID string) (notify.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		n:         n,
		sessionID: sessionID,
		ch:        make(chan []byte, 1),
	}

	n.mu.Lock()
	set, ok := n.subs[sessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		n.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()

	return sub, nil
}

// Publish implements notify.Notifier.Publish. Subscribers that are not
// draining their channel are skipped rather than blocking the
// dispatcher.
func (n *Notifier) Publish(ctx context.Context, sessionID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[sessionID] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

func (n *Notifier) remove(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.subs[sub.sessionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(n.subs, sub.sessionID)
	}
}

type subscription struct {
	n         *Notifier
	sessionID string
	ch        chan []byte
	closed    atomic.Bool
}

func (s *subscription) C() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.n.remove(s)
		close(s.ch)
	}
	return nil
}

// Compile-time interface checks
var (
	_ notify.Notifier     = (*Notifier)(nil)
	_ notify.Subscription = (*subscription)(nil)
)
