// Package inflight enforces per-session mutual exclusion over the queue
// consumer. The downstream completion service has no transactional
// semantics over read-history/call/write-history, so two concurrent
// calls for one session could interleave turns; the guard turns that
// race into a deterministic requeue-and-retry.
package inflight

import "sync"

// Guard tracks which sessions currently have a request being processed.
// At most one marker exists per session id at any instant.
type Guard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{held: make(map[string]struct{})}
}

// TryAcquire atomically checks-and-sets the session's marker. It
// returns false when the session is already held.
func (g *Guard) TryAcquire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[sessionID]; ok {
		return false
	}
	g.held[sessionID] = struct{}{}
	return true
}

// Release unconditionally clears the session's marker. Callers pair it
// with TryAcquire via defer so the marker is removed on every exit
// path.
func (g *Guard) Release(sessionID string) {
	g.mu.Lock()
	delete(g.held, sessionID)
	g.mu.Unlock()
}

// Held reports whether the session currently has a marker.
func (g *Guard) Held(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[sessionID]
	return ok
}
