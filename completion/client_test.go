package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaykit/chatrelay/chat"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL: srv.URL,
		Model:   "test-model",
		APIKey:  "test-key",
	})
}

func TestClient_Complete(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi"}},
			},
		})
	})

	turns := []chat.Turn{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleAssistant, Content: "second"},
		{Role: chat.RoleUser, Content: "hello"},
	}
	reply, err := c.Complete(context.Background(), turns)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if reply.Role != chat.RoleAssistant || reply.Content != "hi" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
	if gotReq.Model != "test-model" {
		t.Fatalf("unexpected model: %q", gotReq.Model)
	}
	// Turns must be submitted in strict chronological order.
	if len(gotReq.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(gotReq.Messages))
	}
	for i, want := range []string{"first", "second", "hello"} {
		if gotReq.Messages[i].Content != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, gotReq.Messages[i].Content)
		}
	}
}

func TestClient_Non2xxIsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "x"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %T (%v)", err, err)
	}
	if ue.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", ue.StatusCode)
	}
	if ue.Message != "model overloaded" {
		t.Fatalf("unexpected message: %q", ue.Message)
	}
}

func TestClient_EmptyChoicesIsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "x"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %T (%v)", err, err)
	}
}

func TestClient_MissingAPIKey(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://localhost:0"})

	_, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "x"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %T (%v)", err, err)
	}
	if ue.Message != "API key not configured" {
		t.Fatalf("unexpected message: %q", ue.Message)
	}
}

func TestClient_KeyProviderRotation(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	key := "key-1"
	c := NewClient(ClientConfig{
		BaseURL:     srv.URL,
		KeyProvider: func() string { return key },
	})

	if _, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "x"}}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if gotAuth != "Bearer key-1" {
		t.Fatalf("unexpected auth: %q", gotAuth)
	}

	key = "key-2"
	if _, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "x"}}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if gotAuth != "Bearer key-2" {
		t.Fatalf("key rotation not picked up: %q", gotAuth)
	}
}
