package completion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/relaykit/chatrelay/chat"
	"github.com/relaykit/chatrelay/session"
)

type stubService struct {
	reply chat.Turn
	err   error
	seen  [][]chat.Turn
}

func (s *stubService) Complete(ctx context.Context, turns []chat.Turn) (chat.Turn, error) {
	s.seen = append(s.seen, append([]chat.Turn(nil), turns...))
	if s.err != nil {
		return chat.Turn{}, s.err
	}
	return s.reply, nil
}

func TestInvoker_Invoke(t *testing.T) {
	store := session.NewStore(10)
	svc := &stubService{reply: chat.Turn{Role: chat.RoleAssistant, Content: "hi"}}
	inv := NewInvoker(store, svc, nil)

	reply, trimmed, err := inv.Invoke(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if reply.Content != "hi" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if trimmed {
		t.Fatal("unexpected trim on a short session")
	}

	// The downstream call must have seen the user turn already appended.
	if len(svc.seen) != 1 || len(svc.seen[0]) != 1 {
		t.Fatalf("unexpected downstream context: %+v", svc.seen)
	}
	if svc.seen[0][0].Role != chat.RoleUser || svc.seen[0][0].Content != "hello" {
		t.Fatalf("unexpected downstream turn: %+v", svc.seen[0][0])
	}

	turns := store.Snapshot("s1")
	if len(turns) != 2 {
		t.Fatalf("expected [user, assistant], got %+v", turns)
	}
	if turns[0].Content != "hello" || turns[1].Content != "hi" {
		t.Fatalf("unexpected history: %+v", turns)
	}
}

func TestInvoker_TrimReported(t *testing.T) {
	store := session.NewStore(10)
	svc := &stubService{reply: chat.Turn{Role: chat.RoleAssistant, Content: "reply"}}
	inv := NewInvoker(store, svc, nil)

	for i := 0; i < 10; i++ {
		store.AppendUserTurn("s1", fmt.Sprintf("old-%d", i))
	}

	_, trimmed, err := inv.Invoke(context.Background(), "s1", "one more")
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !trimmed {
		t.Fatal("expected trim to be reported")
	}

	turns := store.Snapshot("s1")
	if len(turns) != 10 {
		t.Fatalf("expected 10 turns after trim, got %d", len(turns))
	}
	if turns[9].Content != "reply" {
		t.Fatalf("expected assistant reply as newest turn, got %q", turns[9].Content)
	}
	if turns[0].Content == "old-0" || turns[0].Content == "old-1" {
		t.Fatalf("expected oldest turns evicted, head is %q", turns[0].Content)
	}
}

func TestInvoker_UpstreamFailureKeepsUserTurn(t *testing.T) {
	store := session.NewStore(10)
	svc := &stubService{err: &UpstreamError{StatusCode: 500, Message: "boom"}}
	inv := NewInvoker(store, svc, nil)

	_, _, err := inv.Invoke(context.Background(), "s1", "hello")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %T (%v)", err, err)
	}

	turns := store.Snapshot("s1")
	if len(turns) != 1 || turns[0].Role != chat.RoleUser {
		t.Fatalf("expected the user turn to remain in history, got %+v", turns)
	}
}
