// Package chat defines the conversation domain types shared by the
// session store, the completion invoker, and the relay pipeline.
package chat

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryLimit is the maximum number of turns retained per session.
// When an append would exceed it, turns are evicted oldest-first until
// the sequence is back at the limit. History beyond the window is gone
// for good; there is no summarization step.
const HistoryLimit = 10

// Turn is a single message in a session's history. Turns are immutable
// once created and are owned by their session's sequence.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// QueuedRequest is the payload carried through the durable queue. It is
// created at publish time and destroyed by acknowledgement; on transient
// contention it is returned to the queue instead.
type QueuedRequest struct {
	SessionID  string    `json:"sessionId"`
	UserInput  string    `json:"userInput"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
