// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
)

func TestSourceKeepsUnknownFields(t *testing.T) {
	in := `{"title":"Runbook","url":"https://example.com/rb","type":"doc","chunk":3,"relevance_score":0.82}`

	var src Source
	if err := json.Unmarshal([]byte(in), &src); err != nil {
		t.Fatal(err)
	}
	if src.Title != "Runbook" || src.Type != "doc" {
		t.Errorf("unexpected source %+v", src)
	}
	if src.Score == nil || *src.Score != 0.82 {
		t.Errorf("expected score 0.82, got %v", src.Score)
	}
	if string(src.Extra["chunk"]) != "3" {
		t.Errorf("expected extra chunk=3, got %q", src.Extra["chunk"])
	}

	out, err := json.Marshal(src)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back["chunk"] != float64(3) {
		t.Errorf("extra field lost on marshal: %s", out)
	}
}

func TestMessageCloneDoesNotAlias(t *testing.T) {
	m := Message{ID: NewMessageID(), Sources: []Source{{Title: "a"}}}
	c := m.Clone()
	c.Sources[0].Title = "b"
	if m.Sources[0].Title != "a" {
		t.Error("clone shares sources with original")
	}
}

func TestStatusFinal(t *testing.T) {
	for _, s := range []MessageStatus{StatusComplete, StatusErrored, StatusCancelled} {
		if !s.Final() {
			t.Errorf("expected %s to be final", s)
		}
	}
	for _, s := range []MessageStatus{StatusPending, StatusStreaming} {
		if s.Final() {
			t.Errorf("expected %s to be non-final", s)
		}
	}
}
