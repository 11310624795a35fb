package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/streamchat/internal/types"
)

const (
	// DataPrefix marks the lines that carry a payload.
	DataPrefix = "data: "
	// DoneSentinel is the legacy end-of-stream marker.
	DoneSentinel = "[DONE]"
	// ErrorPrefix marks a legacy plain-text error payload.
	ErrorPrefix = "Error:"
)

// ErrMalformedFrame is returned by ParsePayload for a structured frame whose
// fields cannot be decoded. Callers drop the frame and keep reading.
var ErrMalformedFrame = errors.New("malformed frame")

// frame is the structured wire format. Message is left raw because error
// frames carry a string there while complete frames carry an object.
type frame struct {
	Type           *string         `json:"type"`
	Content        string          `json:"content"`
	Sources        []types.Source  `json:"sources"`
	Message        json.RawMessage `json:"message"`
	Error          string          `json:"error"`
	ConversationID string          `json:"conversation_id"`
}

// ParsePayload decodes the payload of one data line (prefix already
// stripped and whitespace trimmed). It never returns an error for legacy
// plain-text payloads: anything that is not a structured frame becomes a
// Token or, with the Error: prefix, an Error.
func ParsePayload(payload string) (Event, error) {
	if payload == DoneSentinel {
		return Complete{Sentinel: true}, nil
	}

	if f, ok := structured(payload); ok {
		return f.event()
	}

	if rest, ok := strings.CutPrefix(payload, ErrorPrefix); ok {
		return Error{Message: strings.TrimSpace(rest)}, nil
	}
	return Token{Text: payload}, nil
}

// structured reports whether payload is a JSON object with a type field.
func structured(payload string) (*frame, bool) {
	if !strings.HasPrefix(payload, "{") {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return nil, false
	}
	if _, ok := probe["type"]; !ok {
		return nil, false
	}
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		// type present but fields have the wrong shape
		return &frame{}, true
	}
	return &f, true
}

func (f *frame) event() (Event, error) {
	if f.Type == nil {
		return nil, ErrMalformedFrame
	}
	switch Kind(*f.Type) {
	case KindToken:
		return Token{Text: f.Content}, nil
	case KindSources:
		if f.Sources == nil {
			return nil, fmt.Errorf("%w: sources frame without sources", ErrMalformedFrame)
		}
		return Sources{Sources: f.Sources}, nil
	case KindComplete:
		c := Complete{ConversationID: f.ConversationID}
		if len(f.Message) > 0 && !bytes.Equal(f.Message, []byte("null")) {
			var m FinalMessage
			if err := json.Unmarshal(f.Message, &m); err != nil {
				return nil, fmt.Errorf("%w: complete message: %v", ErrMalformedFrame, err)
			}
			c.Message = &m
			if c.ConversationID == "" {
				c.ConversationID = m.ConversationID
			}
		}
		return c, nil
	case KindError:
		msg := f.Error
		if msg == "" && len(f.Message) > 0 {
			if err := json.Unmarshal(f.Message, &msg); err != nil {
				return nil, fmt.Errorf("%w: error message: %v", ErrMalformedFrame, err)
			}
		}
		if msg == "" {
			msg = "unknown server error"
		}
		return Error{Message: msg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, *f.Type)
	}
}
