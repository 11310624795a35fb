// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks where a message is in its send lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusErrored   MessageStatus = "errored"
	StatusCancelled MessageStatus = "cancelled"
)

// Final reports whether the status is terminal. Final messages are immutable.
func (s MessageStatus) Final() bool {
	switch s {
	case StatusComplete, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Source is a citation attached to an assistant message. Extra holds any
// fields the server sent that are not modelled explicitly (relevance
// scores, excerpts under other names, ...).
type Source struct {
	Title   string                     `json:"title"`
	URL     string                     `json:"url,omitempty"`
	Type    string                     `json:"type,omitempty"`
	Excerpt string                     `json:"excerpt,omitempty"`
	Score   *float64                   `json:"relevance_score,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`
}

type Message struct {
	ID        MessageID     `json:"id"`
	ServerID  string        `json:"server_id,omitempty"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Sources   []Source      `json:"sources,omitempty"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Clone returns a deep copy so Store snapshots never alias live state.
func (m Message) Clone() Message {
	if m.Sources != nil {
		m.Sources = append([]Source(nil), m.Sources...)
	}
	return m
}

// ConversationIndex is the archived summary of one conversation.
type ConversationIndex struct {
	ConversationID ConversationID `json:"conversation_id"`
	ProjectID      string         `json:"project_id"`
	Title          string         `json:"title,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	MessageCount   int64          `json:"message_count"`
}

// ArchivedMessage is one line of a conversation's message log.
type ArchivedMessage struct {
	Seq            int64          `json:"seq"`
	ConversationID ConversationID `json:"conversation_id"`
	Message        Message        `json:"message"`
}

var sourceFields = map[string]bool{
	"title": true, "url": true, "type": true, "excerpt": true, "relevance_score": true,
}

// UnmarshalJSON keeps unrecognised fields in Extra.
func (s *Source) UnmarshalJSON(data []byte) error {
	type plain Source
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if sourceFields[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	*s = Source(p)
	return nil
}

// MarshalJSON writes Extra back alongside the known fields.
func (s Source) MarshalJSON() ([]byte, error) {
	type plain Source
	data, err := json.Marshal(plain(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}
	merged := make(map[string]json.RawMessage, len(s.Extra)+5)
	for k, v := range s.Extra {
		merged[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}
