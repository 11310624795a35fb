// Package relay exposes the Store to local observers over HTTP: JSON
// snapshots, a websocket feed of changes, a send endpoint and metrics.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/user/streamchat/internal/dispatch"
	"github.com/user/streamchat/internal/metrics"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
)

const timeFormat = "2006-01-02T15:04:05Z07:00"

// Sender is the part of the dispatcher the relay drives.
type Sender interface {
	Send(ctx context.Context, text string) (*dispatch.Handle, error)
	Cancel() bool
	Active() types.ConversationKey
	State() dispatch.State
}

// Option configures optional collaborators.
type Option func(*Server)

// WithSender enables POST /api/messages and POST /api/cancel.
func WithSender(s Sender) Option {
	return func(srv *Server) { srv.sender = s }
}

// WithArchive enables the /api/archive endpoints.
func WithArchive(index types.ConversationIndexStore, log types.MessageLog) Option {
	return func(srv *Server) {
		srv.index = index
		srv.log = log
	}
}

// WithMetrics serves m at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// Server is an http.Handler over one Store.
type Server struct {
	store   *state.Store
	sender  Sender
	index   types.ConversationIndexStore
	log     types.MessageLog
	metrics *metrics.Metrics

	router   chi.Router
	upgrader websocket.Upgrader
	hub      *hub
	unsub    func()
}

// NewServer creates a Server and subscribes it to store. Call Close to
// unsubscribe and disconnect websocket clients.
func NewServer(store *state.Store, opts ...Option) *Server {
	s := &Server{
		store: store,
		hub:   newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the relay binds to loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsub = store.Subscribe(s.hub.broadcast)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/conversations", s.handleConversations)
		api.Get("/conversations/{key}/messages", s.handleMessages)
		api.Get("/archive", s.handleArchive)
		api.Get("/archive/{id}/messages", s.handleArchiveMessages)
		api.Post("/messages", s.handleSend)
		api.Post("/cancel", s.handleCancel)
	})
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	s.router = r
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops relaying Store changes.
func (s *Server) Close() {
	s.unsub()
	s.hub.closeAll()
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "clients": s.hub.count()}
	if s.sender != nil {
		resp["active"] = string(s.sender.Active())
		resp["state"] = string(s.sender.State())
	}
	writeJSON(w, http.StatusOK, resp)
}

type conversationResponse struct {
	Key            string `json:"key"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageCount   int    `json:"message_count"`
	CreatedAt      string `json:"created_at"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	infos := s.store.Conversations()
	result := make([]conversationResponse, 0, len(infos))
	for _, info := range infos {
		result = append(result, conversationResponse{
			Key:            string(info.Key),
			ConversationID: string(info.ConversationID),
			MessageCount:   info.MessageCount,
			CreatedAt:      info.CreatedAt.Format(timeFormat),
		})
	}
	// newest first; equal timestamps fall back to key order
	sortConversations(result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key := types.ConversationKey(chi.URLParam(r, "key"))
	msgs, err := s.store.Messages(key)
	if errors.Is(err, state.ErrNotFound) {
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("list messages failed", "conversation", string(key), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(w, `{"error":"archive not configured"}`, http.StatusServiceUnavailable)
		return
	}
	entries, err := s.index.List(r.Context())
	if err != nil {
		slog.Error("list archive failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.ConversationIndex{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleArchiveMessages(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		http.Error(w, `{"error":"archive not configured"}`, http.StatusServiceUnavailable)
		return
	}
	id := types.ConversationID(chi.URLParam(r, "id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.log.Tail(r.Context(), id, limit)
	if err != nil {
		slog.Error("tail archive failed", "conversation_id", string(id), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*types.ArchivedMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendRequest is the JSON body for POST /api/messages.
type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	SendID         string `json:"send_id"`
	Conversation   string `json:"conversation"`
	UserMessageID  string `json:"user_message_id"`
	AssistantMsgID string `json:"assistant_message_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, `{"error":"sending not enabled"}`, http.StatusServiceUnavailable)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	// the send outlives this request
	h, err := s.sender.Send(context.WithoutCancel(r.Context()), req.Text)
	switch {
	case errors.Is(err, dispatch.ErrEmptyMessage):
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	case errors.Is(err, dispatch.ErrSendInFlight):
		http.Error(w, `{"error":"a response is still streaming"}`, http.StatusConflict)
		return
	case err != nil:
		slog.Error("relay send failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, sendResponse{
		SendID:         string(h.ID),
		Conversation:   string(h.Key()),
		UserMessageID:  string(h.UserMessageID),
		AssistantMsgID: string(h.AssistantMessageID),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, `{"error":"sending not enabled"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.sender.Cancel()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	s.hub.add(c)
	slog.Debug("relay client connected", "remote", strings.TrimSpace(r.RemoteAddr))

	go c.writePump()
	go c.readPump(s.hub)
}

func sortConversations(list []conversationResponse) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt > list[j].CreatedAt
		}
		return list[i].Key < list[j].Key
	})
}
