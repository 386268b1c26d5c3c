package completion

import (
	"context"
	"log/slog"

	"github.com/relaykit/chatrelay/chat"
	"github.com/relaykit/chatrelay/session"
)

// Service is the downstream completion contract the invoker depends
// on. *Client implements it; tests substitute stubs.
type Service interface {
	Complete(ctx context.Context, turns []chat.Turn) (chat.Turn, error)
}

// Invoker carries out one complete conversational exchange: append the
// user turn, call the downstream service with the full ordered window,
// append the reply, and report whether the sliding window trimmed
// history during the exchange.
type Invoker struct {
	store *session.Store
	svc   Service
	log   *slog.Logger
}

func NewInvoker(store *session.Store, svc Service, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Invoker{store: store, svc: svc, log: log}
}

// Invoke returns the assistant's reply turn and whether the session's
// history was trimmed while handling this request. Failures surface as
// *UpstreamError; the user turn stays in history so a retry carries it.
func (i *Invoker) Invoke(ctx context.Context, sessionID, userInput string) (chat.Turn, bool, error) {
	turns, trimmedUser := i.store.AppendUserTurn(sessionID, userInput)

	reply, err := i.svc.Complete(ctx, turns)
	if err != nil {
		i.log.Error("completion call failed",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
		return chat.Turn{}, false, err
	}

	_, trimmedAssistant := i.store.AppendAssistantTurn(sessionID, reply)

	return reply, trimmedUser || trimmedAssistant, nil
}

// Compile-time interface check
var _ Service = (*Client)(nil)
