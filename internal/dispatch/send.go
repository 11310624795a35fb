package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/user/streamchat/internal/types"
)

// State is the lifecycle state of a send.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Result describes how a send ended.
type Result struct {
	State  State
	Reason Reason
	// Err is a *SendError for Cancelled and Failed results.
	Err error
	// Key is the conversation key at the end of the send, which differs
	// from the starting key when a server id was adopted.
	Key            types.ConversationKey
	ConversationID types.ConversationID
	// Message is the final assistant message. It is the zero value when
	// the placeholder was rolled back.
	Message      types.Message
	RolledBack   bool
	OutputTokens int
	Malformed    int
	Duration     time.Duration
}

// Handle tracks one in-flight send.
type Handle struct {
	ID                 types.SendID
	UserMessageID      types.MessageID
	AssistantMessageID types.MessageID
	CreatedAt          time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	key    types.ConversationKey
	result Result
}

func newHandle(key types.ConversationKey, cancel context.CancelCauseFunc) *Handle {
	return &Handle{
		ID:                 types.NewSendID(),
		UserMessageID:      types.NewMessageID(),
		AssistantMessageID: types.NewMessageID(),
		CreatedAt:          time.Now(),
		cancel:             cancel,
		done:               make(chan struct{}),
		state:              StateSending,
		key:                key,
	}
}

// Cancel stops the send. Tokens that arrived before the call are kept.
// Calling Cancel more than once, or after the send ended, has no effect.
func (h *Handle) Cancel() {
	h.cancel(ErrCancelled)
}

// Done is closed once the send reached a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the send ends and returns its Result.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Key returns the conversation key the send currently writes to.
func (h *Handle) Key() types.ConversationKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Terminal() {
		h.state = s
	}
}

func (h *Handle) setKey(key types.ConversationKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.key = key
}

func (h *Handle) finish(r Result) {
	h.mu.Lock()
	h.state = r.State
	h.result = r
	h.mu.Unlock()
	close(h.done)
}
