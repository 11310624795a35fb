// internal/notify/registry.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoSink is returned by Notify when no sink is registered.
var ErrNoSink = errors.New("no notification sink registered")

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Notice is a user-facing notification, e.g. a failed send.
type Notice struct {
	Level        Level
	Title        string
	Message      string
	Conversation string
	Reason       string
}

// Sink surfaces notices to the user (toast, terminal line, log, ...).
type Sink interface {
	Notify(ctx context.Context, n Notice) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notice) error

func (f SinkFunc) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Registry fans notices out to every registered sink.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[string]Sink),
	}
}

// Register adds or replaces the sink under name.
func (r *Registry) Register(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = sink
}

// Unregister removes the sink under name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, name)
}

// Notify delivers n to every sink in name order and joins their errors.
func (r *Registry) Notify(ctx context.Context, n Notice) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sinks := make(map[string]Sink, len(r.sinks))
	for k, v := range r.sinks {
		sinks[k] = v
	}
	r.mu.RUnlock()

	if len(names) == 0 {
		return ErrNoSink
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := sinks[name].Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notices to the default slog logger.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notice) error {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, n.Title,
		"message", n.Message,
		"conversation", n.Conversation,
		"reason", n.Reason,
	)
	return nil
}

// WriterSink prints one line per notice, for terminal front ends.
type WriterSink struct {
	W  io.Writer
	mu sync.Mutex
}

func (s *WriterSink) Notify(_ context.Context, n Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.W, "[%s] %s: %s\n", n.Level, n.Title, n.Message)
	return err
}
