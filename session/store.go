// Package session provides the process-wide store of conversation
// histories. It is the single source of truth for what each session has
// said so far.
//
// Callers mutating the same session are expected to already be
// serialized by the in-flight guard; the store's own locking only
// protects the underlying map from concurrent access across sessions.
package session

import (
	"sort"
	"sync"

	"github.com/relaykit/chatrelay/chat"
)

// Info is a read-only snapshot of one session, as exposed to observers
// and the admin surface.
type Info struct {
	ID    string      `json:"id"`
	Turns []chat.Turn `json:"turns"`
}

// Observer receives side-effect notifications whenever the store
// mutates. Notifications are delivered synchronously but outside the
// store's lock, so observers may read the store from the callback.
type Observer interface {
	// SessionsChanged is emitted after any mutation with the full
	// session list.
	SessionsChanged(sessions []Info)
	// SessionCleared is emitted when an existing session is removed via
	// Clear. Clearing an absent session emits nothing.
	SessionCleared(sessionID string)
}

// Store maps session ids to ordered, size-bounded turn sequences.
// Sessions are created on first reference and live for the process
// lifetime unless explicitly cleared.
type Store struct {
	mu       sync.Mutex
	sessions map[string][]chat.Turn
	limit    int

	obsMu     sync.Mutex
	observers []Observer
}

// NewStore creates an empty store with the given turn limit per
// session. A non-positive limit falls back to chat.HistoryLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = chat.HistoryLimit
	}
	return &Store{
		sessions: make(map[string][]chat.Turn),
		limit:    limit,
	}
}

// AddObserver registers an observer for store mutations.
func (s *Store) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// AppendUserTurn appends a user turn to the session, creating the
// session if needed. It returns the sequence after trimming and whether
// trimming occurred.
func (s *Store) AppendUserTurn(sessionID, text string) ([]chat.Turn, bool) {
	return s.append(sessionID, chat.Turn{Role: chat.RoleUser, Content: text})
}

// AppendAssistantTurn appends an assistant turn to the session. It
// returns the sequence after trimming and whether trimming occurred.
func (s *Store) AppendAssistantTurn(sessionID string, turn chat.Turn) ([]chat.Turn, bool) {
	turn.Role = chat.RoleAssistant
	return s.append(sessionID, turn)
}

func (s *Store) append(sessionID string, turn chat.Turn) ([]chat.Turn, bool) {
	s.mu.Lock()
	turns := append(s.sessions[sessionID], turn)
	trimmed := false
	if len(turns) > s.limit {
		// Sliding window: evict oldest-first down to the limit.
		turns = append([]chat.Turn(nil), turns[len(turns)-s.limit:]...)
		trimmed = true
	}
	s.sessions[sessionID] = turns
	out := append([]chat.Turn(nil), turns...)
	s.mu.Unlock()

	s.notifyChanged()
	return out, trimmed
}

// Snapshot returns the session's current sequence without mutating it.
// An unknown session yields an empty slice.
func (s *Store) Snapshot(sessionID string) []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Turn(nil), s.sessions[sessionID]...)
}

// Clear removes the session entirely. Clearing a session that does not
// exist is a no-op: no error, no observer notification.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.notifyCleared(sessionID)
	s.notifyChanged()
}

// List returns a snapshot of all sessions, ordered by id.
func (s *Store) List() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.sessions))
	for id, turns := range s.sessions {
		infos = append(infos, Info{ID: id, Turns: append([]chat.Turn(nil), turns...)})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) notifyChanged() {
	s.obsMu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.obsMu.Unlock()
	if len(obs) == 0 {
		return
	}
	infos := s.List()
	for _, o := range obs {
		o.SessionsChanged(infos)
	}
}

func (s *Store) notifyCleared(sessionID string) {
	s.obsMu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.obsMu.Unlock()
	for _, o := range obs {
		o.SessionCleared(sessionID)
	}
}
