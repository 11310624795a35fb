package stream

import "github.com/user/streamchat/internal/types"

// Kind discriminates decoded events.
type Kind string

const (
	KindToken    Kind = "token"
	KindSources  Kind = "sources"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one decoded unit of a response stream. The concrete type is one
// of Token, Sources, Complete or Error; switch on the type, not on Kind,
// when the payload is needed.
type Event interface {
	Kind() Kind
}

// Token carries an incremental text fragment.
type Token struct {
	Text string
}

// Sources carries the full source list for the message being generated.
type Sources struct {
	Sources []types.Source
}

// Complete ends the stream. Sentinel is set when it came from the legacy
// [DONE] marker rather than a structured frame.
type Complete struct {
	ConversationID string
	Message        *FinalMessage
	Sentinel       bool
}

// Error is a fatal server-reported error.
type Error struct {
	Message string
}

func (Token) Kind() Kind    { return KindToken }
func (Sources) Kind() Kind  { return KindSources }
func (Complete) Kind() Kind { return KindComplete }
func (Error) Kind() Kind    { return KindError }

// FinalMessage is the optional message object attached to a complete frame.
type FinalMessage struct {
	ID             string         `json:"id,omitempty"`
	Content        string         `json:"content,omitempty"`
	Sources        []types.Source `json:"sources,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}
