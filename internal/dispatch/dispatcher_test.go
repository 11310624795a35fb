package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/streamchat/internal/notify"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/transport"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/internal/usage"
)

// script describes one canned streaming response.
type script struct {
	status int
	header string
	frames []string
	// hold keeps the response open after the frames until the client
	// goes away or release is closed.
	hold    bool
	release chan struct{}
}

func scriptServer(t *testing.T, s script, requests chan<- transport.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transport.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if requests != nil {
			requests <- req
		}
		if s.status != 0 && s.status != http.StatusOK {
			http.Error(w, `{"error":"boom"}`, s.status)
			return
		}
		if s.header != "" {
			w.Header().Set(transport.ConversationHeader, s.header)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for _, f := range s.frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		if s.hold {
			select {
			case <-r.Context().Done():
			case <-s.release:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDispatcher(t *testing.T, srv *httptest.Server, opts ...Option) (*Dispatcher, *state.Store) {
	t.Helper()
	store := state.NewStore()
	client := transport.NewWithHTTPClient(&transport.Config{BaseURL: srv.URL}, srv.Client())
	d := New(store, client, opts...)
	// runs before srv.Close so held responses are released first
	t.Cleanup(d.Close)
	return d, store
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
		return Result{}
	}
}

// onContent signals once the given message content shows up in the Store.
func onContent(store *state.Store, content string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	store.Subscribe(func(c state.Change) {
		if c.Message != nil && c.Message.Role == types.RoleAssistant && c.Message.Content == content {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	return ch
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for store change")
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	srv := scriptServer(t, script{}, nil)
	d, store := newDispatcher(t, srv)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := d.Send(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q): expected ErrEmptyMessage, got %v", text, err)
		}
	}
	msgs, _ := store.Messages(d.Active())
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
	if d.State() != StateIdle {
		t.Errorf("expected idle, got %s", d.State())
	}
}

func TestSendCompletesAndAdoptsHeaderID(t *testing.T) {
	requests := make(chan transport.Request, 4)
	srv := scriptServer(t, script{
		header: "conv-1",
		frames: []string{
			`{"type":"token","content":"Hel"}`,
			`{"type":"token","content":"lo"}`,
			`{"type":"sources","sources":[{"title":"Doc","url":"https://example.com"}]}`,
			`{"type":"complete","conversation_id":"conv-1","message":{"id":"srv-msg-1"}}`,
		},
	}, requests)
	d, store := newDispatcher(t, srv, WithProjectID("proj-1"), WithTokenCounter(usage.CounterFunc(func(s string) int { return len(s) })))

	localKey := d.Active()
	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("expected completed, got %s (%v)", res.State, res.Err)
	}
	if res.Key != "conv-1" || res.ConversationID != "conv-1" {
		t.Errorf("expected key conv-1, got key=%s id=%s", res.Key, res.ConversationID)
	}
	if res.OutputTokens != 5 {
		t.Errorf("expected 5 output tokens, got %d", res.OutputTokens)
	}
	if d.Active() != "conv-1" {
		t.Errorf("expected active conversation to follow adoption, got %s", d.Active())
	}
	if _, err := store.Messages(localKey); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("expected local key to be gone, got %v", err)
	}

	msgs, err := store.Messages("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("unexpected user message %+v", msgs[0])
	}
	a := msgs[1]
	if a.Content != "Hello" || a.Status != types.StatusComplete || a.ServerID != "srv-msg-1" || len(a.Sources) != 1 {
		t.Errorf("unexpected assistant message %+v", a)
	}

	first := <-requests
	if first.ConversationID != "" || first.ProjectID != "proj-1" || first.Message != "hi" {
		t.Errorf("unexpected first request %+v", first)
	}

	h, err = d.Send(context.Background(), "again")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h)
	if second := <-requests; second.ConversationID != "conv-1" {
		t.Errorf("expected follow-up to carry conv-1, got %q", second.ConversationID)
	}
}

func TestBodyConversationIDAdopted(t *testing.T) {
	srv := scriptServer(t, script{
		frames: []string{
			`{"type":"token","content":"ok"}`,
			`{"type":"complete","message":{"conversation_id":"conv-body"}}`,
		},
	}, nil)
	d, _ := newDispatcher(t, srv)

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res := wait(t, h); res.Key != "conv-body" {
		t.Errorf("expected conv-body, got %s", res.Key)
	}
}

func TestHeaderIDWinsOverBodyID(t *testing.T) {
	srv := scriptServer(t, script{
		header: "conv-header",
		frames: []string{`{"type":"complete","conversation_id":"conv-body","message":{"content":"x"}}`},
	}, nil)
	d, _ := newDispatcher(t, srv)

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res := wait(t, h); res.Key != "conv-header" {
		t.Errorf("expected conv-header, got %s", res.Key)
	}
}

func TestKnownConversationIDNotReplaced(t *testing.T) {
	srv := scriptServer(t, script{
		header: "conv-other",
		frames: []string{`{"type":"token","content":"x"}`, `[DONE]`},
	}, nil)
	d, store := newDispatcher(t, srv)

	key := store.OpenConversation("conv-known")
	if err := d.Switch(key); err != nil {
		t.Fatal(err)
	}
	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.Key != "conv-known" || res.ConversationID != "conv-known" {
		t.Errorf("expected conv-known to be kept, got key=%s id=%s", res.Key, res.ConversationID)
	}
}

func TestImplicitCompletionAtEOF(t *testing.T) {
	srv := scriptServer(t, script{frames: []string{"Hello", "world"}}, nil)
	d, _ := newDispatcher(t, srv)

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateCompleted {
		t.Fatalf("expected completed, got %s", res.State)
	}
	if res.Message.Content != "Helloworld" || res.Message.Status != types.StatusComplete {
		t.Errorf("unexpected message %+v", res.Message)
	}
	if !res.Key.IsLocal() {
		t.Errorf("expected conversation to stay local without an id, got %s", res.Key)
	}
}

func TestSendWhileInFlightRejected(t *testing.T) {
	release := make(chan struct{})
	srv := scriptServer(t, script{
		frames:  []string{`{"type":"token","content":"a"}`},
		hold:    true,
		release: release,
	}, nil)
	d, store := newDispatcher(t, srv)
	streamed := onContent(store, "a")

	h, err := d.Send(context.Background(), "first")
	if err != nil {
		t.Fatal(err)
	}
	waitSignal(t, streamed)
	if d.State() != StateStreaming {
		t.Errorf("expected streaming, got %s", d.State())
	}

	if _, err := d.Send(context.Background(), "second"); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}
	msgs, _ := store.Messages(d.Active())
	if len(msgs) != 2 {
		t.Errorf("expected rejected send to leave 2 messages, got %d", len(msgs))
	}

	close(release)
	if res := wait(t, h); res.State != StateCompleted {
		t.Errorf("expected completed, got %s", res.State)
	}
	if d.State() != StateIdle {
		t.Errorf("expected idle after completion, got %s", d.State())
	}
}

func TestCancelKeepsPartialContent(t *testing.T) {
	srv := scriptServer(t, script{
		header: "conv-1",
		frames: []string{`{"type":"token","content":"partial"}`},
		hold:   true,
	}, nil)
	d, store := newDispatcher(t, srv)
	streamed := onContent(store, "partial")

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	waitSignal(t, streamed)
	h.Cancel()
	h.Cancel()

	res := wait(t, h)
	if res.State != StateCancelled || res.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled, got %s/%s", res.State, res.Reason)
	}
	var se *SendError
	if !errors.As(res.Err, &se) || !errors.Is(res.Err, ErrCancelled) {
		t.Errorf("expected SendError wrapping ErrCancelled, got %v", res.Err)
	}

	m, err := store.Message(res.Key, h.AssistantMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Content != "partial" || m.Status != types.StatusCancelled {
		t.Errorf("unexpected placeholder %+v", m)
	}
	if !res.Key.IsLocal() {
		t.Errorf("cancelled send must not adopt an id, got %s", res.Key)
	}
	h.Cancel()
}

func TestParentContextCancel(t *testing.T) {
	srv := scriptServer(t, script{hold: true}, nil)
	d, store := newDispatcher(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := d.Send(ctx, "hi")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	res := wait(t, h)
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.State)
	}
	// cancelled placeholders stay even when empty
	if _, err := store.Message(res.Key, h.AssistantMessageID); err != nil {
		t.Errorf("expected placeholder to remain: %v", err)
	}
}

func TestParentDeadlineIsTimeout(t *testing.T) {
	srv := scriptServer(t, script{hold: true}, nil)
	d, _ := newDispatcher(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h, err := d.Send(ctx, "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateFailed || res.Reason != ReasonTimeout {
		t.Fatalf("expected failed/timeout, got %s/%s", res.State, res.Reason)
	}
}

func TestServerStatusRollsBackAndNotifies(t *testing.T) {
	srv := scriptServer(t, script{status: http.StatusInternalServerError}, nil)
	notices := make(chan notify.Notice, 1)
	d, store := newDispatcher(t, srv, WithNotifier(notify.SinkFunc(func(_ context.Context, n notify.Notice) error {
		notices <- n
		return nil
	})))

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateFailed || res.Reason != ReasonServer || !res.RolledBack {
		t.Fatalf("unexpected result %+v", res)
	}
	if !transport.IsStatus(res.Err, http.StatusInternalServerError) {
		t.Errorf("expected wrapped 500, got %v", res.Err)
	}

	msgs, _ := store.Messages(res.Key)
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Errorf("expected only the user message to remain, got %+v", msgs)
	}

	select {
	case n := <-notices:
		if n.Level != notify.LevelError || n.Reason != string(ReasonServer) || n.Message == "" {
			t.Errorf("unexpected notice %+v", n)
		}
	default:
		t.Error("expected a failure notice")
	}
}

func TestErrorEventKeepsPartialAsErrored(t *testing.T) {
	srv := scriptServer(t, script{
		frames: []string{
			`{"type":"token","content":"half"}`,
			`{"type":"error","error":"model overloaded"}`,
			`{"type":"token","content":" ignored"}`,
		},
	}, nil)
	d, store := newDispatcher(t, srv)

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateFailed || res.Reason != ReasonServer || res.RolledBack {
		t.Fatalf("unexpected result %+v", res)
	}
	var srvErr *ServerError
	if !errors.As(res.Err, &srvErr) || srvErr.Message != "model overloaded" {
		t.Errorf("expected server error, got %v", res.Err)
	}
	m, err := store.Message(res.Key, h.AssistantMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Content != "half" || m.Status != types.StatusErrored {
		t.Errorf("unexpected placeholder %+v", m)
	}
}

func TestLegacyErrorRollsBack(t *testing.T) {
	srv := scriptServer(t, script{frames: []string{"Error: quota exceeded"}}, nil)
	d, store := newDispatcher(t, srv)

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateFailed || !res.RolledBack {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := store.Message(res.Key, h.AssistantMessageID); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("expected placeholder removed, got %v", err)
	}
}

func TestTimeoutWaitingForHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// never answers
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	// srv.Client has no response header timeout
	d, store := newDispatcher(t, srv, WithIdleTimeout(50*time.Millisecond))

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateFailed || res.Reason != ReasonTimeout {
		t.Fatalf("expected failed/timeout, got %s/%s", res.State, res.Reason)
	}
	if !errors.Is(res.Err, ErrTimeout) || !res.RolledBack {
		t.Errorf("expected rolled back timeout, got %+v", res)
	}
	msgs, _ := store.Messages(res.Key)
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Errorf("expected only the user message to remain, got %+v", msgs)
	}
}

func TestInactivityTimeout(t *testing.T) {
	t.Run("with content", func(t *testing.T) {
		srv := scriptServer(t, script{frames: []string{`{"type":"token","content":"slow"}`}, hold: true}, nil)
		d, store := newDispatcher(t, srv, WithIdleTimeout(50*time.Millisecond))

		h, err := d.Send(context.Background(), "hi")
		if err != nil {
			t.Fatal(err)
		}
		res := wait(t, h)
		if res.State != StateFailed || res.Reason != ReasonTimeout {
			t.Fatalf("expected failed/timeout, got %s/%s", res.State, res.Reason)
		}
		if !errors.Is(res.Err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", res.Err)
		}
		m, err := store.Message(res.Key, h.AssistantMessageID)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != types.StatusErrored || m.Content != "slow" {
			t.Errorf("unexpected placeholder %+v", m)
		}
	})

	t.Run("without content", func(t *testing.T) {
		srv := scriptServer(t, script{hold: true}, nil)
		d, _ := newDispatcher(t, srv, WithIdleTimeout(50*time.Millisecond))

		h, err := d.Send(context.Background(), "hi")
		if err != nil {
			t.Fatal(err)
		}
		res := wait(t, h)
		if res.Reason != ReasonTimeout || !res.RolledBack {
			t.Fatalf("expected rolled back timeout, got %+v", res)
		}
	})
}

func TestTransportFailure(t *testing.T) {
	srv := scriptServer(t, script{}, nil)
	url := srv.URL
	srv.Close()

	store := state.NewStore()
	d := New(store, transport.New(&transport.Config{BaseURL: url}))
	defer d.Close()

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateFailed || res.Reason != ReasonTransport || !res.RolledBack {
		t.Fatalf("unexpected result %+v", res)
	}
	var se *SendError
	if !errors.As(res.Err, &se) || !se.Retryable() {
		t.Errorf("expected retryable send error, got %v", res.Err)
	}
}

func TestSwitchCancelsInFlightSend(t *testing.T) {
	srv := scriptServer(t, script{frames: []string{`{"type":"token","content":"x"}`}, hold: true}, nil)
	d, store := newDispatcher(t, srv)
	streamed := onContent(store, "x")

	first := d.Active()
	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	waitSignal(t, streamed)

	next := d.NewConversation()
	if next == first || d.Active() != next {
		t.Fatalf("expected a new active conversation")
	}
	res := wait(t, h)
	if res.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", res.State)
	}
	// the old conversation is kept
	if msgs, err := store.Messages(first); err != nil || len(msgs) != 2 {
		t.Errorf("expected old conversation intact, got %d messages (%v)", len(msgs), err)
	}
	if err := d.Switch("missing"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestMalformedFramesDoNotAbort(t *testing.T) {
	srv := scriptServer(t, script{
		frames: []string{
			`{"type":"token","content":"a"}`,
			`{"type":"sources","sources":"nope"}`,
			`{"type":"mystery"}`,
			`{"type":"token","content":"b"}`,
			`{"type":"complete"}`,
		},
	}, nil)
	d, _ := newDispatcher(t, srv)

	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, h)
	if res.State != StateCompleted || res.Message.Content != "ab" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Malformed != 2 {
		t.Errorf("expected 2 malformed frames, got %d", res.Malformed)
	}
}

func TestArchiveAfterCompletion(t *testing.T) {
	dir := t.TempDir()
	index := state.NewConversationIndex(dir)
	log := state.NewMessageLog(dir)

	srv := scriptServer(t, script{
		header: "conv-9",
		frames: []string{`{"type":"token","content":"answer"}`, `{"type":"complete"}`},
	}, nil)
	d, _ := newDispatcher(t, srv, WithArchive(index, log), WithProjectID("p"))

	h, err := d.Send(context.Background(), "What is the refund policy?\nDetails follow")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h)

	ctx := context.Background()
	tail, err := log.Tail(ctx, "conv-9", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[1].Message.Content != "answer" {
		t.Fatalf("unexpected archive %+v", tail)
	}
	entry, err := index.Get(ctx, "conv-9")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Title != "What is the refund policy?" || entry.MessageCount != 2 || entry.ProjectID != "p" {
		t.Errorf("unexpected index entry %+v", entry)
	}
}

func TestTitle(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "é"
	}
	got := title(long)
	if n := len([]rune(got)); n != maxTitleRunes {
		t.Errorf("expected %d runes, got %d", maxTitleRunes, n)
	}
	if title("  short  ") != "short" {
		t.Errorf("unexpected title %q", title("  short  "))
	}
}

func TestCancelActive(t *testing.T) {
	srv := scriptServer(t, script{hold: true}, nil)
	d, _ := newDispatcher(t, srv)

	if d.Cancel() {
		t.Fatal("expected nothing to cancel while idle")
	}
	h, err := d.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Cancel() {
		t.Fatal("expected the in-flight send to be cancelled")
	}
	if res := wait(t, h); res.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", res.State)
	}
}
