// Package queue defines the durable request queue that mediates between
// inbound request handlers and the dispatcher. Implementations provide
// bounded capacity with publish rejection on overflow, per-message
// expiry, explicit acknowledgement, and a prefetch of exactly one
// unsettled delivery per consumer.
//
// The queue is a reliability and ordering enhancement, never a hard
// dependency: callers fall back to direct invocation when the broker is
// not configured or unreachable.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFull is returned by Publish when the queue is at capacity. New
	// publishes are refused rather than silently dropping old messages.
	ErrFull = errors.New("queue: at capacity")

	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue: closed")

	// ErrAlreadySettled is returned when Ack or Nack is called on a
	// delivery that was already settled.
	ErrAlreadySettled = errors.New("queue: delivery already settled")

	// ErrNotConfigured is returned by constructors when no broker
	// address is available. Callers treat it as "run without a queue".
	ErrNotConfigured = errors.New("queue: broker not configured")

	// ErrUnavailable indicates the broker connection is down. The
	// connection manager keeps retrying in the background; callers fall
	// back to direct invocation in the meantime.
	ErrUnavailable = errors.New("queue: broker unavailable")
)

// Message is one queued request as seen by a consumer.
type Message struct {
	// ID is a unique identifier assigned at publish time.
	ID string
	// Body is the serialized request payload.
	Body []byte
	// EnqueuedAt records when the message was first published. Requeued
	// messages keep their original timestamp so expiry covers the whole
	// time on the queue.
	EnqueuedAt time.Time
	// Attempts counts deliveries of this message, starting at 1.
	Attempts int
}

// Delivery is a single in-flight message handed to a consumer. Exactly
// one of Ack or Nack must be called; the queue delivers no further
// messages to the consumer until the delivery is settled.
type Delivery interface {
	Message() Message

	// Ack permanently removes the message from the queue.
	Ack(ctx context.Context) error

	// Nack settles the delivery negatively. With requeue the message
	// returns to the queue for redelivery after the broker's retry
	// scheduling; without it the message is permanently dropped.
	Nack(ctx context.Context, requeue bool) error
}

// Handler processes one delivery. The handler owns settlement.
type Handler func(ctx context.Context, d Delivery)

// Queue is the broker-facing contract shared by the in-memory and
// Redis implementations.
type Queue interface {
	// Publish enqueues a payload and returns its message id. It fails
	// with ErrFull at capacity and ErrUnavailable when the broker
	// connection is down.
	Publish(ctx context.Context, body []byte) (string, error)

	// Consume delivers messages to the handler one at a time until the
	// context is cancelled or the queue is closed. At most one
	// unsettled delivery exists at any moment.
	Consume(ctx context.Context, h Handler) error

	Close() error
}

// State describes the broker connection lifecycle as managed by the
// connection supervisor.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the connection is up but a broker operation
	// recently failed; the supervisor will tear it down and reconnect.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
