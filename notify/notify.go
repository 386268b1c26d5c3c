// Package notify carries completion results from the dispatcher back to
// the request handler that is waiting on them, keyed by session id.
//
// Waiters must subscribe before (or atomically with) publishing their
// request onto the queue: otherwise a fast dispatcher could notify
// before the waiter is listening and the result would be lost. A
// notification with no subscribers is simply dropped — a late result
// for an already-timed-out caller is expected, not an error.
package notify

import "context"

// Notifier delivers payloads to subscribers of a session id.
type Notifier interface {
	// Subscribe registers interest in notifications for the session.
	// The returned subscription must be closed by the caller.
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)

	// Publish delivers the payload to all current subscribers of the
	// session. Publishing with no subscribers is a no-op.
	Publish(ctx context.Context, sessionID string, payload []byte) error
}

// Subscription is one waiter's registration.
type Subscription interface {
	// C yields published payloads. The channel is closed when the
	// subscription is closed.
	C() <-chan []byte

	// Close unregisters the subscription and releases its resources.
	// Closing twice is safe.
	Close() error
}
