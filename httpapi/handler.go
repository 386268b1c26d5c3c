// Package httpapi is the thin HTTP shell over the relay bridge: one
// query endpoint, a health probe, the admin websocket mount, and static
// file serving for the chat widget. All real concurrency and failure
// handling lives behind the relay package.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relaykit/chatrelay/completion"
	"github.com/relaykit/chatrelay/internal/logctx"
	"github.com/relaykit/chatrelay/queue"
	"github.com/relaykit/chatrelay/relay"
)

// Querier resolves one inbound request. *relay.Bridge implements it.
type Querier interface {
	Query(ctx context.Context, sessionID, userInput string) (relay.Result, error)
}

// Config for the HTTP handler.
type Config struct {
	// Bridge resolves queries. Required.
	Bridge Querier

	// AdminSocket, when set, is mounted at GET /admin/ws.
	AdminSocket http.Handler

	// StaticDir, when set, is served at the root path for the browser
	// chat widget.
	StaticDir string

	// LogHandler is an optional slog.Handler. If nil, logging is
	// discarded.
	LogHandler slog.Handler
}

// Handler routes inbound HTTP traffic.
type Handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	bridge Querier
}

var _ http.Handler = (*Handler)(nil)

func New(cfg Config) (*Handler, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	logHandler := cfg.LogHandler
	if logHandler == nil {
		logHandler = slog.DiscardHandler
	}

	h := &Handler{
		log:    slog.New(logctx.Handler{Handler: logHandler}),
		bridge: cfg.Bridge,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if cfg.AdminSocket != nil {
		mux.Handle("GET /admin/ws", cfg.AdminSocket)
	}
	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
}

type queryResponse struct {
	Response            string `json:"response"`
	MessageLimitReached bool   `json:"message_limit_reached"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Query and sessionId are required"})
		return
	}

	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: req.SessionID})
	log := h.log.With(slog.String("session_id", req.SessionID))

	res, err := h.bridge.Query(ctx, req.SessionID, req.Query)
	if err != nil {
		h.writeQueryError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Response:            res.Response,
		MessageLimitReached: res.LimitReached,
	})
}

// writeQueryError maps the relay error taxonomy onto distinct 5xx
// responses so callers can tell "no answer in time" from "answer
// generation failed".
func (h *Handler) writeQueryError(w http.ResponseWriter, log *slog.Logger, err error) {
	var ue *completion.UpstreamError

	switch {
	case errors.Is(err, relay.ErrTimeout):
		log.Warn("query timed out")
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "timed out waiting for a response"})
	case errors.As(err, &ue):
		log.Error("completion service failed", slog.String("err", ue.Error()))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: ue.Message})
	case errors.Is(err, queue.ErrFull):
		log.Warn("request queue full")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "too many queued requests, try again later"})
	default:
		log.Error("query failed", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
