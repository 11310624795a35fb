package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/user/streamchat/internal/dispatch"
	"github.com/user/streamchat/internal/render"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
)

// streamPrinter writes the growing content of one tracked message as it is
// patched in the Store.
type streamPrinter struct {
	w       io.Writer
	mu      sync.Mutex
	id      types.MessageID
	printed int
	last    *types.Message
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w}
}

func (p *streamPrinter) track(id types.MessageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
	p.printed = 0
}

// observe is registered as a Store observer.
func (p *streamPrinter) observe(c state.Change) {
	if c.Kind != state.ChangePatched || c.Message == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Message.ID != p.id {
		return
	}
	if content := c.Message.Content; len(content) > p.printed {
		fmt.Fprint(p.w, content[p.printed:])
		p.printed = len(content)
	}
}

// finish ends the streamed line and reports how the send ended.
func (p *streamPrinter) finish(res dispatch.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// the stream may have ended before track ran
	if res.Message.ID == p.id && len(res.Message.Content) > p.printed {
		fmt.Fprint(p.w, res.Message.Content[p.printed:])
		p.printed = len(res.Message.Content)
	}
	if p.printed > 0 {
		fmt.Fprintln(p.w)
	}
	switch res.State {
	case dispatch.StateCancelled:
		fmt.Fprintln(p.w, render.StatusLabel(types.StatusCancelled))
	case dispatch.StateCompleted:
		if n := len(res.Message.Sources); n > 0 {
			fmt.Fprintf(p.w, "(%d sources, /sources to list)\n", n)
		}
	}
	if !res.RolledBack && res.State != dispatch.StateFailed {
		m := res.Message
		p.last = &m
	}
	p.id = ""
}

// lastSources returns the sources of the last finished message.
func (p *streamPrinter) lastSources() []types.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	return p.last.Sources
}
