// Package admin exposes the session store to an operator dashboard
// over a websocket: it pushes the session list on every store mutation
// and accepts clear-session commands. It owns no rendering concern.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/chatrelay/session"
)

const (
	// writeTimeout bounds one websocket write so a stalled peer cannot
	// hold a writer goroutine forever.
	writeTimeout = 5 * time.Second

	// sendBuffer is the per-connection event backlog. A client that
	// falls further behind than this is dropped.
	sendBuffer = 32
)

type event struct {
	Type      string         `json:"type"`
	Sessions  []session.Info `json:"sessions,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

type command struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// client is one connected admin socket. All writes go through the send
// channel and a dedicated writer goroutine; the hub never writes to the
// network directly, so store observer callbacks cannot block on a slow
// peer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session store events out to connected admin sockets. It
// registers itself as a store observer on construction.
type Hub struct {
	store    *session.Store
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

var _ http.Handler = (*Hub)(nil)
var _ session.Observer = (*Hub)(nil)

func NewHub(store *session.Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Hub{
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			// The admin surface carries no credentials; same-origin
			// enforcement is left to the deployment's proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	store.AddObserver(h)
	return h
}

// ServeHTTP upgrades the connection, pushes the current session list,
// and services commands until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("admin socket upgrade failed", slog.String("err", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go h.writePump(c)

	// New connections see the current state immediately.
	h.queueTo(c, event{Type: "sessions", Sessions: h.store.List()})

	defer h.drop(c)
	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case "getSessions":
			h.queueTo(c, event{Type: "sessions", Sessions: h.store.List()})
		case "clearSession":
			// The store emits sessionCleared + sessions events to all
			// observers, so no direct reply is needed.
			h.store.Clear(cmd.SessionID)
		default:
			h.log.Debug("ignoring unknown admin command", slog.String("action", cmd.Action))
		}
	}
}

// writePump drains one client's send channel onto its connection. It
// exits when the channel is closed by drop or when a write fails.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Warn("admin write failed, dropping connection", slog.String("err", err.Error()))
			h.drop(c)
			return
		}
	}
}

// SessionsChanged implements session.Observer.
func (h *Hub) SessionsChanged(sessions []session.Info) {
	h.broadcast(event{Type: "sessions", Sessions: sessions})
}

// SessionCleared implements session.Observer.
func (h *Hub) SessionCleared(sessionID string) {
	h.broadcast(event{Type: "sessionCleared", SessionID: sessionID})
}

// broadcast enqueues the event for every client without ever blocking:
// a client whose backlog is full is dropped rather than waited on, so a
// stalled admin socket cannot stall the store's observer path.
func (h *Hub) broadcast(ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to encode admin event", slog.String("err", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("admin client too far behind, dropping connection")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) queueTo(c *client, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// drop removes the client and closes its send channel exactly once;
// closing the channel ends the writer, which closes the connection.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Count reports the number of connected admin sockets.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
