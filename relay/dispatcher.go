package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/relaykit/chatrelay/chat"
	"github.com/relaykit/chatrelay/completion"
	"github.com/relaykit/chatrelay/inflight"
	"github.com/relaykit/chatrelay/notify"
	"github.com/relaykit/chatrelay/queue"
)

// Invoker is the completion contract the dispatcher drives.
// *completion.Invoker implements it; tests substitute stubs.
type Invoker interface {
	Invoke(ctx context.Context, sessionID, userInput string) (chat.Turn, bool, error)
}

var _ Invoker = (*completion.Invoker)(nil)

// resultEnvelope is the notification payload carried from the
// dispatcher back to the waiting request handler.
type resultEnvelope struct {
	Response     string `json:"response"`
	LimitReached bool   `json:"message_limit_reached"`
	Error        string `json:"error,omitempty"`
	ErrorStatus  int    `json:"errorStatus,omitempty"`
}

// DispatcherConfig tunes failure handling.
type DispatcherConfig struct {
	// RequeueFailures retries failed messages instead of dropping them
	// after the first failed attempt. Off by default: a poison message
	// is dropped rather than retried forever, and the waiting caller is
	// notified of the failure.
	RequeueFailures bool

	// MaxAttempts bounds retries when RequeueFailures is set. A message
	// whose attempt count reaches this is dropped and the failure
	// notified. Defaults to 3.
	MaxAttempts int
}

// Dispatcher consumes queued requests, enforces per-session mutual
// exclusion, invokes the completion pipeline, and publishes results to
// the session's notification channel.
//
// Per delivered message:
//
//	Received → guard held?      → Nacked-Requeued
//	         → processing ok    → Acked + Notified
//	         → processing error → Nacked (dropped or requeued per
//	                              policy) + Notified on final failure
type Dispatcher struct {
	queue    queue.Queue
	guard    *inflight.Guard
	invoker  Invoker
	notifier notify.Notifier
	log      *slog.Logger
	cfg      DispatcherConfig
}

func NewDispatcher(q queue.Queue, guard *inflight.Guard, inv Invoker, n notify.Notifier, log *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		queue:    q,
		guard:    guard,
		invoker:  inv,
		notifier: n,
		log:      log,
		cfg:      cfg,
	}
}

// Run consumes the queue until the context is cancelled or the queue is
// closed. It is the process's single background consumer; the queue's
// prefetch of one keeps at most one delivery unsettled at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.queue.Consume(ctx, d.handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()

	var req chat.QueuedRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil || req.SessionID == "" {
		d.log.Warn("dropping malformed queued request",
			slog.String("message_id", msg.ID))
		_ = delivery.Nack(ctx, false)
		return
	}

	log := d.log.With(slog.String("session_id", req.SessionID), slog.String("message_id", msg.ID))

	if !d.guard.TryAcquire(req.SessionID) {
		// Another request for this session is mid-flight. Requeue and
		// let the broker redeliver once the holder releases; this is an
		// expected control path, not a failure.
		log.Debug("session in flight, requeueing")
		_ = delivery.Nack(ctx, true)
		return
	}
	defer d.guard.Release(req.SessionID)

	reply, limitReached, err := d.invoker.Invoke(ctx, req.SessionID, req.UserInput)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not poison: requeue so the work survives the
			// restart instead of being dropped with the consumer.
			log.Info("shutting down mid-request, requeueing")
			_ = delivery.Nack(context.WithoutCancel(ctx), true)
			return
		}
		d.handleFailure(ctx, delivery, req.SessionID, msg.Attempts, err, log)
		return
	}

	if err := delivery.Ack(ctx); err != nil {
		log.Error("failed to ack processed request", slog.String("err", err.Error()))
	}
	d.publish(ctx, req.SessionID, resultEnvelope{
		Response:     reply.Content,
		LimitReached: limitReached,
	}, log)
}

func (d *Dispatcher) handleFailure(ctx context.Context, delivery queue.Delivery, sessionID string, attempts int, cause error, log *slog.Logger) {
	if d.cfg.RequeueFailures && attempts < d.cfg.MaxAttempts {
		log.Warn("completion failed, requeueing",
			slog.Int("attempts", attempts),
			slog.String("err", cause.Error()))
		_ = delivery.Nack(ctx, true)
		return
	}

	log.Error("completion failed, dropping request", slog.String("err", cause.Error()))
	_ = delivery.Nack(ctx, false)

	env := resultEnvelope{Error: cause.Error()}
	var ue *completion.UpstreamError
	if errors.As(cause, &ue) {
		env.Error = ue.Message
		env.ErrorStatus = ue.StatusCode
		if env.Error == "" {
			env.Error = ue.Error()
		}
	}
	d.publish(ctx, sessionID, env, log)
}

func (d *Dispatcher) publish(ctx context.Context, sessionID string, env resultEnvelope, log *slog.Logger) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error("failed to encode result envelope", slog.String("err", err.Error()))
		return
	}
	if err := d.notifier.Publish(ctx, sessionID, payload); err != nil {
		log.Warn("failed to publish result notification", slog.String("err", err.Error()))
	}
}
