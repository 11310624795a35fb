// Package devserver is a scripted chat backend that streams `data: ` frames
// in either the structured JSON format or the legacy plain-text format.
// It backs `streamchat mock` and the HTTP tests.
package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/user/streamchat/internal/transport"
	"github.com/user/streamchat/internal/types"
)

// Mode selects the wire format.
type Mode string

const (
	ModeJSON   Mode = "json"
	ModeLegacy Mode = "legacy"
)

// FailPrefix makes the server answer with an error frame after streaming
// the text that follows it.
const FailPrefix = "/fail"

// Options configures a Server.
type Options struct {
	Mode Mode
	// Token, when set, is required as a bearer token.
	Token string
	// Delay is slept between frames.
	Delay time.Duration
	// Reply produces the answer for a user message. The default echoes it.
	Reply func(message string) string
	// Sources are attached to every JSON-mode answer.
	Sources []types.Source
	// ChatPath defaults to /api/chat/stream.
	ChatPath string
}

// Server streams scripted answers.
type Server struct {
	opts Options
}

// New creates a Server with defaults filled in.
func New(opts Options) *Server {
	if opts.Mode == "" {
		opts.Mode = ModeJSON
	}
	if opts.Reply == nil {
		opts.Reply = func(message string) string { return "You said: " + message }
	}
	if opts.ChatPath == "" {
		opts.ChatPath = "/api/chat/stream"
	}
	return &Server{opts: opts}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	r.Post(s.opts.ChatPath, s.handleChat)
	return r
}

type completeFrame struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id"`
	Message        finalMessage `json:"message"`
}

type finalMessage struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Sources        []types.Source `json:"sources,omitempty"`
	ConversationID string         `json:"conversation_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	message, fail := strings.CutPrefix(req.Message, FailPrefix)
	reply := s.opts.Reply(strings.TrimSpace(message))

	setupSSEHeaders(w)
	w.Header().Set(transport.ConversationHeader, conversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("mock stream started", "conversation", conversationID, "mode", string(s.opts.Mode))

	var err error
	if s.opts.Mode == ModeLegacy {
		err = s.streamLegacy(r, w, flusher, reply, fail)
	} else {
		err = s.streamJSON(r, w, flusher, conversationID, reply, fail)
	}
	if err != nil {
		slog.Debug("mock stream ended early", "conversation", conversationID, "error", err)
	}
}

func (s *Server) pause(r *http.Request) error {
	if s.opts.Delay <= 0 {
		return r.Context().Err()
	}
	select {
	case <-time.After(s.opts.Delay):
		return nil
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

func (s *Server) streamJSON(r *http.Request, w http.ResponseWriter, flusher http.Flusher, conversationID, reply string, fail bool) error {
	for i, tok := range Tokenize(reply) {
		if err := s.pause(r); err != nil {
			return err
		}
		if err := sendJSON(w, flusher, map[string]string{"type": "token", "content": tok}); err != nil {
			return err
		}
		if i == 0 && len(s.opts.Sources) > 0 && !fail {
			if err := sendJSON(w, flusher, map[string]any{"type": "sources", "sources": s.opts.Sources}); err != nil {
				return err
			}
		}
	}
	if fail {
		return sendJSON(w, flusher, map[string]string{"type": "error", "error": "simulated failure"})
	}
	return sendJSON(w, flusher, completeFrame{
		Type:           "complete",
		ConversationID: conversationID,
		Message: finalMessage{
			ID:             uuid.New().String(),
			Content:        reply,
			Sources:        s.opts.Sources,
			ConversationID: conversationID,
		},
	})
}

func (s *Server) streamLegacy(r *http.Request, w http.ResponseWriter, flusher http.Flusher, reply string, fail bool) error {
	for _, tok := range Tokenize(reply) {
		if err := s.pause(r); err != nil {
			return err
		}
		// trailing spaces would be trimmed by the decoder
		if err := sendData(w, flusher, strings.TrimSpace(tok)); err != nil {
			return err
		}
	}
	if fail {
		return sendData(w, flusher, "Error: simulated failure")
	}
	return sendData(w, flusher, "[DONE]")
}

// Tokenize splits text into word tokens that keep their trailing space, so
// concatenating them reproduces text.
func Tokenize(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
