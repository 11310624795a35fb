package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/streamchat/internal/transport"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/stream"
)

func collect(t *testing.T, srv *httptest.Server, message, conversationID string) (*transport.Response, []stream.Event) {
	t.Helper()
	client := transport.NewWithHTTPClient(&transport.Config{BaseURL: srv.URL, Token: "secret"}, srv.Client())
	resp, err := client.Open(context.Background(), transport.Request{Message: message, ConversationID: conversationID})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var events []stream.Event
	for ev, err := range stream.NewReader(resp.Body).Events() {
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}
	return resp, events
}

func TestJSONModeStream(t *testing.T) {
	sources := []types.Source{{Title: "Handbook", URL: "https://example.com/h"}}
	srv := httptest.NewServer(New(Options{Token: "secret", Sources: sources}).Handler())
	defer srv.Close()

	resp, events := collect(t, srv, "hello there", "")
	if resp.ConversationID == "" {
		t.Fatal("expected a conversation id header")
	}

	var text strings.Builder
	var gotSources, gotComplete bool
	for _, ev := range events {
		switch e := ev.(type) {
		case stream.Token:
			text.WriteString(e.Text)
		case stream.Sources:
			gotSources = len(e.Sources) == 1
		case stream.Complete:
			gotComplete = true
			if e.ConversationID != resp.ConversationID {
				t.Errorf("complete carries %q, header %q", e.ConversationID, resp.ConversationID)
			}
		}
	}
	if text.String() != "You said: hello there" {
		t.Errorf("unexpected text %q", text.String())
	}
	if !gotSources || !gotComplete {
		t.Errorf("expected sources and complete, got sources=%v complete=%v", gotSources, gotComplete)
	}
}

func TestKeepsGivenConversationID(t *testing.T) {
	srv := httptest.NewServer(New(Options{Token: "secret"}).Handler())
	defer srv.Close()

	resp, _ := collect(t, srv, "again", "conv-42")
	if resp.ConversationID != "conv-42" {
		t.Errorf("expected conv-42, got %q", resp.ConversationID)
	}
}

func TestLegacyModeStream(t *testing.T) {
	srv := httptest.NewServer(New(Options{Mode: ModeLegacy, Token: "secret", Reply: func(string) string { return "a b" }}).Handler())
	defer srv.Close()

	_, events := collect(t, srv, "x", "")
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %#v", len(events), events)
	}
	if c, ok := events[2].(stream.Complete); !ok || !c.Sentinel {
		t.Errorf("expected sentinel complete, got %#v", events[2])
	}
}

func TestFailPrefix(t *testing.T) {
	for _, mode := range []Mode{ModeJSON, ModeLegacy} {
		t.Run(string(mode), func(t *testing.T) {
			srv := httptest.NewServer(New(Options{Mode: mode, Token: "secret"}).Handler())
			defer srv.Close()

			_, events := collect(t, srv, FailPrefix+" boom", "")
			last, ok := events[len(events)-1].(stream.Error)
			if !ok || last.Message != "simulated failure" {
				t.Errorf("expected error event last, got %#v", events[len(events)-1])
			}
		})
	}
}

func TestRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(New(Options{Token: "secret"}).Handler())
	defer srv.Close()

	client := transport.NewWithHTTPClient(&transport.Config{BaseURL: srv.URL, Token: "wrong"}, srv.Client())
	_, err := client.Open(context.Background(), transport.Request{Message: "hi"})
	var se *transport.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 status error, got %v", err)
	}
}

func TestTokenize(t *testing.T) {
	text := "one two  three"
	toks := Tokenize(text)
	if strings.Join(toks, "") != text {
		t.Errorf("tokens do not reassemble: %q", toks)
	}
	if len(Tokenize("")) != 0 {
		t.Error("expected no tokens for empty text")
	}
}
