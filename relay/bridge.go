// Package relay is the session-serializing, broker-mediated
// request/response bridge at the core of the service. A request is
// published onto the durable queue keyed by its session id, the
// dispatcher processes it under the in-flight guard, and the result
// comes back over a per-session notification channel raced against a
// fixed timeout.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/relaykit/chatrelay/chat"
	"github.com/relaykit/chatrelay/completion"
	"github.com/relaykit/chatrelay/notify"
	"github.com/relaykit/chatrelay/queue"
)

// ErrTimeout is returned when no result notification arrives within the
// wait window. The underlying work may still complete invisibly; its
// notification is dropped for lack of a listener.
var ErrTimeout = errors.New("relay: timed out waiting for response")

// Result is one completed exchange as returned to the inbound handler.
type Result struct {
	// Response is the assistant reply's content.
	Response string
	// LimitReached is true exactly when the session's history was
	// trimmed while handling this request.
	LimitReached bool
}

// BridgeConfig tunes the bridge. Defaults can be loaded via envdecode.
type BridgeConfig struct {
	// WaitTimeout bounds how long a caller waits for its result
	// notification. ENV: RESPONSE_TIMEOUT
	WaitTimeout time.Duration `env:"RESPONSE_TIMEOUT,default=30s"`
}

// Bridge accepts inbound requests and resolves them through the queue
// when one is configured, falling back to direct invocation when the
// broker is unavailable. The queue is a reliability and ordering
// enhancement, never a hard dependency for a single request.
type Bridge struct {
	queue    queue.Queue // nil means direct mode
	notifier notify.Notifier
	invoker  Invoker
	log      *slog.Logger
	timeout  time.Duration
}

// NewBridge wires the bridge. q may be nil to run without a queue;
// notifier is required whenever q is set.
func NewBridge(q queue.Queue, n notify.Notifier, inv Invoker, log *slog.Logger, cfg BridgeConfig) *Bridge {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		queue:    q,
		notifier: n,
		invoker:  inv,
		log:      log,
		timeout:  timeout,
	}
}

// Query resolves one inbound request. The caller receives exactly one
// result or a bounded-time failure: ErrTimeout, *completion.UpstreamError,
// or queue.ErrFull when the broker refuses new work.
func (b *Bridge) Query(ctx context.Context, sessionID, userInput string) (Result, error) {
	if b.queue == nil {
		return b.direct(ctx, sessionID, userInput)
	}

	// Subscribe before publishing: a fast dispatcher must not be able
	// to notify before the waiter is listening.
	sub, err := b.notifier.Subscribe(ctx, sessionID)
	if err != nil {
		b.log.Warn("subscribe failed, invoking directly",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
		return b.direct(ctx, sessionID, userInput)
	}
	defer sub.Close()

	payload, err := json.Marshal(chat.QueuedRequest{
		SessionID:  sessionID,
		UserInput:  userInput,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}

	if _, err := b.queue.Publish(ctx, payload); err != nil {
		if errors.Is(err, queue.ErrFull) {
			// Overflow is a refusal by design, not a broker outage;
			// bypassing the queue here would defeat its backpressure.
			return Result{}, err
		}
		b.log.Warn("queue publish failed, invoking directly",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
		return b.direct(ctx, sessionID, userInput)
	}

	return b.wait(ctx, sub)
}

// wait races the session's notification channel against the timeout.
// Whichever resolves first wins; the loser is discarded.
func (b *Bridge) wait(ctx context.Context, sub notify.Subscription) (Result, error) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-sub.C():
		if !ok {
			return Result{}, ErrTimeout
		}
		return decodeResult(payload)
	case <-timer.C:
		return Result{}, ErrTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *Bridge) direct(ctx context.Context, sessionID, userInput string) (Result, error) {
	reply, limitReached, err := b.invoker.Invoke(ctx, sessionID, userInput)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: reply.Content, LimitReached: limitReached}, nil
}

func decodeResult(payload []byte) (Result, error) {
	var env resultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, err
	}
	if env.Error != "" {
		return Result{}, &completion.UpstreamError{
			StatusCode: env.ErrorStatus,
			Message:    env.Error,
		}
	}
	return Result{Response: env.Response, LimitReached: env.LimitReached}, nil
}
