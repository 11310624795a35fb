// Package dispatch drives a chat send from the user's text to a finalized
// assistant message: optimistic Store writes, the streamed request, event
// reconciliation and the terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/streamchat/internal/metrics"
	"github.com/user/streamchat/internal/notify"
	"github.com/user/streamchat/internal/reconcile"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/transport"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/internal/usage"
	"github.com/user/streamchat/pkg/stream"
)

// DefaultIdleTimeout is how long a stream may go without a decoded event.
const DefaultIdleTimeout = 60 * time.Second

const maxTitleRunes = 60

// Opener opens a streamed chat request. *transport.Client implements it.
type Opener interface {
	Open(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Option configures optional collaborators on a Dispatcher.
type Option func(*Dispatcher)

// WithProjectID sets the project every request is scoped to.
func WithProjectID(id string) Option {
	return func(d *Dispatcher) { d.projectID = id }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.idleTimeout = timeout
		}
	}
}

// WithNotifier sets the sink that receives a notice for every failed send.
func WithNotifier(sink notify.Sink) Option {
	return func(d *Dispatcher) { d.notifier = sink }
}

// WithMetrics records send outcomes and decoded events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTokenCounter fills Result.OutputTokens.
func WithTokenCounter(c usage.TokenCounter) Option {
	return func(d *Dispatcher) { d.counter = c }
}

// WithArchive persists finished exchanges of server-bound conversations.
func WithArchive(index types.ConversationIndexStore, log types.MessageLog) Option {
	return func(d *Dispatcher) {
		d.index = index
		d.log = log
	}
}

// Dispatcher sends user messages on the active conversation. It allows one
// in-flight send per conversation and never retries on its own.
type Dispatcher struct {
	store  *state.Store
	client Opener
	guard  *Guard

	projectID   string
	idleTimeout time.Duration
	notifier    notify.Sink
	metrics     *metrics.Metrics
	counter     usage.TokenCounter
	index       types.ConversationIndexStore
	log         types.MessageLog

	mu       sync.Mutex
	active   types.ConversationKey
	inflight map[types.ConversationKey]*Handle
	wg       sync.WaitGroup
}

// New creates a Dispatcher whose active conversation is a fresh local one.
func New(store *state.Store, client Opener, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		client:      client,
		guard:       NewGuard(),
		idleTimeout: DefaultIdleTimeout,
		inflight:    make(map[types.ConversationKey]*Handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.active = store.CreateConversation()
	return d
}

// Active returns the key of the active conversation.
func (d *Dispatcher) Active() types.ConversationKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// ConversationID returns the server id of the active conversation, or ""
// while it is still local.
func (d *Dispatcher) ConversationID() types.ConversationID {
	info, err := d.store.Conversation(d.Active())
	if err != nil {
		return ""
	}
	return info.ConversationID
}

// State returns the state of the active conversation's send.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	h := d.inflight[d.active]
	d.mu.Unlock()
	if h == nil {
		return StateIdle
	}
	return h.State()
}

// Switch makes key the active conversation. A send in flight on the
// previously active conversation is cancelled; the Store is left alone.
func (d *Dispatcher) Switch(key types.ConversationKey) error {
	if _, err := d.store.Conversation(key); err != nil {
		return fmt.Errorf("switch conversation: %w", err)
	}
	d.mu.Lock()
	prev := d.active
	h := d.inflight[prev]
	d.active = key
	d.mu.Unlock()

	if h != nil && prev != key {
		slog.Debug("cancelling send on conversation switch", "conversation", string(prev), "send_id", string(h.ID))
		h.Cancel()
	}
	return nil
}

// Cancel stops the send in flight on the active conversation and reports
// whether there was one.
func (d *Dispatcher) Cancel() bool {
	d.mu.Lock()
	h := d.inflight[d.active]
	d.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// NewConversation starts a fresh local conversation and makes it active.
func (d *Dispatcher) NewConversation() types.ConversationKey {
	key := d.store.CreateConversation()
	if err := d.Switch(key); err != nil {
		slog.Error("switch to new conversation", "conversation", string(key), "error", err)
	}
	return key
}

// Send appends the user message and an empty assistant placeholder to the
// active conversation and starts streaming the response. It returns
// ErrEmptyMessage for blank text and ErrSendInFlight while another send
// on the same conversation has not finished; neither changes any state.
func (d *Dispatcher) Send(ctx context.Context, text string) (*Handle, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	d.mu.Lock()
	key := d.active
	if !d.guard.TryAcquire(key) {
		d.mu.Unlock()
		return nil, ErrSendInFlight
	}
	sendCtx, cancel := context.WithCancelCause(ctx)
	h := newHandle(key, cancel)
	d.inflight[key] = h
	d.mu.Unlock()

	info, err := d.store.Conversation(key)
	if err != nil {
		d.release(h)
		return nil, fmt.Errorf("send: %w", err)
	}

	now := time.Now()
	user := types.Message{
		ID:        h.UserMessageID,
		Role:      types.RoleUser,
		Content:   text,
		Status:    types.StatusComplete,
		CreatedAt: now,
	}
	placeholder := types.Message{
		ID:        h.AssistantMessageID,
		Role:      types.RoleAssistant,
		Status:    types.StatusPending,
		CreatedAt: now,
	}
	if err := d.store.AppendMessage(key, user); err != nil {
		d.release(h)
		return nil, fmt.Errorf("append user message: %w", err)
	}
	if err := d.store.AppendMessage(key, placeholder); err != nil {
		_ = d.store.RemoveMessage(key, user.ID)
		d.release(h)
		return nil, fmt.Errorf("append placeholder: %w", err)
	}

	slog.Debug("send started",
		"conversation", string(key),
		"send_id", string(h.ID),
		"message_id", string(h.AssistantMessageID),
	)

	d.wg.Add(1)
	go d.run(sendCtx, h, info.ConversationID, text)
	return h, nil
}

// Close cancels every in-flight send and waits for them to settle.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	handles := make([]*Handle, 0, len(d.inflight))
	for _, h := range d.inflight {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) release(h *Handle) {
	key := h.Key()
	d.mu.Lock()
	if d.inflight[key] == h {
		delete(d.inflight, key)
	}
	d.mu.Unlock()
	d.guard.Release(key)
}

// outcome is what consuming the stream produced, before it is settled
// into a Result.
type outcome struct {
	err       error
	headerID  string
	bodyID    string
	malformed int
}

func (d *Dispatcher) run(ctx context.Context, h *Handle, knownID types.ConversationID, text string) {
	defer d.wg.Done()
	defer h.cancel(nil)

	start := time.Now()
	rec := reconcile.New(d.store, h.Key(), h.AssistantMessageID)

	out := d.consume(ctx, h, rec, transport.Request{
		Message:        text,
		ProjectID:      d.projectID,
		ConversationID: string(knownID),
	})
	res := d.settle(ctx, h, rec, knownID, out)
	res.Duration = time.Since(start)

	if res.State != StateFailed && res.ConversationID != "" && !res.RolledBack {
		d.archive(ctx, res.ConversationID, h, text, res)
	}
	if res.State == StateFailed {
		d.notifyFailure(ctx, res)
	}
	d.metrics.ObserveSend(string(res.State), res.Duration.Seconds())
	d.metrics.AddMalformed(res.Malformed)

	attrs := []any{
		"conversation", string(res.Key),
		"send_id", string(h.ID),
		"state", string(res.State),
		"duration", res.Duration,
	}
	if res.Err != nil {
		slog.Warn("send finished", append(attrs, "reason", string(res.Reason), "error", res.Err)...)
	} else {
		slog.Info("send finished", append(attrs, "output_tokens", res.OutputTokens)...)
	}

	d.release(h)
	h.finish(res)
}

// consume opens the request and applies every decoded event, in order, to
// the placeholder. It returns when the stream ends, fails or is cancelled.
func (d *Dispatcher) consume(ctx context.Context, h *Handle, rec *reconcile.Reconciler, req transport.Request) (out outcome) {
	// armed before Open so a server that never answers also times out
	idle := time.AfterFunc(d.idleTimeout, func() {
		h.cancel(fmt.Errorf("no stream data for %s: %w", d.idleTimeout, ErrTimeout))
	})
	defer idle.Stop()

	resp, err := d.client.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			out.err = context.Cause(ctx)
		} else {
			out.err = fmt.Errorf("open stream: %w", err)
		}
		return out
	}
	defer resp.Body.Close()
	// A blocked body read only returns once the body is closed.
	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()

	out.headerID = resp.ConversationID
	h.setState(StateStreaming)
	idle.Reset(d.idleTimeout)

	reader := stream.NewReader(resp.Body)
	defer func() { out.malformed = reader.Malformed() }()

	for {
		ev, err := reader.Next()
		if ctx.Err() != nil {
			out.err = context.Cause(ctx)
			return out
		}
		if err == io.EOF {
			return out
		}
		if err != nil {
			out.err = fmt.Errorf("read stream: %w", err)
			return out
		}
		idle.Reset(d.idleTimeout)
		d.metrics.ObserveEvent(string(ev.Kind()))

		if _, err := rec.Apply(ev); err != nil {
			// the placeholder was removed underneath us, e.g. by Clear
			h.cancel(fmt.Errorf("apply %s event: %v: %w", ev.Kind(), err, ErrCancelled))
			out.err = context.Cause(ctx)
			return out
		}

		switch e := ev.(type) {
		case stream.Complete:
			out.bodyID = e.ConversationID
		case stream.Error:
			out.err = &ServerError{Message: e.Message}
			return out
		}
	}
}

// settle moves the placeholder to its final status and builds the Result.
func (d *Dispatcher) settle(ctx context.Context, h *Handle, rec *reconcile.Reconciler, knownID types.ConversationID, out outcome) Result {
	res := Result{Malformed: out.malformed, ConversationID: knownID}

	if out.err == nil {
		res.State = StateCompleted
		// no-op when a complete event already finalized it
		msg, err := rec.Terminate(types.StatusComplete)
		if err != nil {
			slog.Warn("finalize placeholder", "message_id", string(h.AssistantMessageID), "error", err)
		}
		res.Message = msg
		res.ConversationID = d.adopt(h, rec, knownID, out)
		if d.counter != nil && msg.Content != "" {
			res.OutputTokens = d.counter.Count(msg.Content)
		}
		res.Key = h.Key()
		return res
	}

	reason := classify(ctx, out.err)
	res.Reason = reason
	res.Err = &SendError{Reason: reason, Err: out.err}
	res.Key = h.Key()

	if reason == ReasonCancelled {
		res.State = StateCancelled
		msg, err := rec.Terminate(types.StatusCancelled)
		if err != nil {
			slog.Debug("cancel placeholder", "message_id", string(h.AssistantMessageID), "error", err)
		}
		res.Message = msg
		return res
	}

	res.State = StateFailed
	cur, err := rec.Current()
	if err != nil {
		slog.Debug("load placeholder", "message_id", string(h.AssistantMessageID), "error", err)
		return res
	}
	if cur.Content == "" {
		if err := rec.Rollback(); err != nil {
			slog.Warn("roll back placeholder", "message_id", string(h.AssistantMessageID), "error", err)
		}
		res.RolledBack = true
		return res
	}
	msg, err := rec.Terminate(types.StatusErrored)
	if err != nil {
		slog.Warn("mark placeholder errored", "message_id", string(h.AssistantMessageID), "error", err)
	}
	res.Message = msg
	return res
}

// adopt binds a local conversation to the server id learned during the
// send. The header id wins over the body id, and an already bound
// conversation keeps its id; differing ids are logged and ignored.
func (d *Dispatcher) adopt(h *Handle, rec *reconcile.Reconciler, knownID types.ConversationID, out outcome) types.ConversationID {
	learned := out.headerID
	if learned == "" {
		learned = out.bodyID
	} else if out.bodyID != "" && out.bodyID != learned {
		slog.Warn("ignoring differing conversation id", "adopted", learned, "ignored", out.bodyID)
	}
	if learned == "" {
		return knownID
	}
	if knownID != "" {
		if types.ConversationID(learned) != knownID {
			slog.Warn("ignoring differing conversation id", "adopted", string(knownID), "ignored", learned)
		}
		return knownID
	}

	old := h.Key()
	newKey, err := d.store.AdoptServerID(old, types.ConversationID(learned))
	if err != nil {
		slog.Warn("adopt conversation id", "conversation", string(old), "conversation_id", learned, "error", err)
		return ""
	}

	// the lane is still held, so no other send can race the rekey
	d.mu.Lock()
	d.guard.Rekey(old, newKey)
	h.setKey(newKey)
	if d.active == old {
		d.active = newKey
	}
	if d.inflight[old] == h {
		delete(d.inflight, old)
		d.inflight[newKey] = h
	}
	d.mu.Unlock()
	rec.Rekey(newKey)

	slog.Info("conversation bound to server id", "previous", string(old), "conversation", string(newKey))
	return types.ConversationID(learned)
}

// archive appends the exchange to the message log and refreshes the
// conversation index. It runs after the send context may have been
// cancelled, so it detaches from cancellation.
func (d *Dispatcher) archive(ctx context.Context, id types.ConversationID, h *Handle, text string, res Result) {
	if d.log == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	user, err := d.store.Message(res.Key, h.UserMessageID)
	if err != nil {
		user = types.Message{ID: h.UserMessageID, Role: types.RoleUser, Content: text, Status: types.StatusComplete, CreatedAt: h.CreatedAt}
	}
	for _, m := range []types.Message{user, res.Message} {
		if _, err := d.log.Append(ctx, id, m); err != nil {
			slog.Error("archive message", "conversation_id", string(id), "message_id", string(m.ID), "error", err)
			return
		}
	}

	if d.index == nil {
		return
	}
	count, err := d.log.Count(ctx, id)
	if err != nil {
		slog.Error("count archived messages", "conversation_id", string(id), "error", err)
		return
	}
	if _, err := d.index.Upsert(ctx, id, d.projectID, title(text), count); err != nil {
		slog.Error("update conversation index", "conversation_id", string(id), "error", err)
	}
}

func (d *Dispatcher) notifyFailure(ctx context.Context, res Result) {
	if d.notifier == nil {
		return
	}
	var se *SendError
	if !errors.As(res.Err, &se) {
		return
	}
	err := d.notifier.Notify(context.WithoutCancel(ctx), notify.Notice{
		Level:        notify.LevelError,
		Title:        "Message failed",
		Message:      se.Describe(),
		Conversation: string(res.Key),
		Reason:       string(se.Reason),
	})
	if err != nil && !errors.Is(err, notify.ErrNoSink) {
		slog.Warn("deliver failure notice", "error", err)
	}
}

// title derives an index title from the first line of the first message.
func title(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxTitleRunes-1]) + "…"
}
