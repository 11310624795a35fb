package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/user/streamchat/internal/config"
	"github.com/user/streamchat/internal/dispatch"
	"github.com/user/streamchat/internal/metrics"
	"github.com/user/streamchat/internal/notify"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/transport"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/internal/usage"
)

// app holds the collaborators shared by chat and send.
type app struct {
	cfg        *config.Config
	store      *state.Store
	index      *state.ConversationIndex
	log        *state.MessageLog
	metrics    *metrics.Metrics
	notifier   *notify.Registry
	dispatcher *dispatch.Dispatcher
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    state.NewStore(),
		index:    state.NewConversationIndex(cfg.DataDir),
		log:      state.NewMessageLog(cfg.DataDir),
		metrics:  metrics.New(),
		notifier: notify.NewRegistry(),
	}

	client := transport.New(&transport.Config{
		BaseURL:       cfg.API.BaseURL,
		Token:         cfg.API.Token,
		ChatPath:      cfg.API.ChatPath,
		HeaderTimeout: cfg.HeaderTimeout(),
	})

	opts := []dispatch.Option{
		dispatch.WithProjectID(cfg.API.ProjectID),
		dispatch.WithIdleTimeout(cfg.IdleTimeout()),
		dispatch.WithNotifier(a.notifier),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithArchive(a.index, a.log),
	}
	if cfg.Stream.TokenizerModel != "" {
		counter, err := usage.NewTiktoken(cfg.Stream.TokenizerModel)
		if err != nil {
			slog.Warn("token counting disabled", "model", cfg.Stream.TokenizerModel, "error", err)
		} else {
			opts = append(opts, dispatch.WithTokenCounter(counter))
		}
	}
	a.dispatcher = dispatch.New(a.store, client, opts...)

	slog.Debug("streamchat ready",
		"data_dir", cfg.DataDir,
		"base_url", cfg.API.BaseURL,
		"project_id", cfg.API.ProjectID,
		"idle_timeout", cfg.IdleTimeout(),
	)
	return a, nil
}

func (a *app) close() {
	a.dispatcher.Close()
}

// resume loads an archived conversation into the Store and makes it active.
func (a *app) resume(ctx context.Context, id string) error {
	key := a.store.OpenConversation(types.ConversationID(id))
	existing, err := a.store.Messages(key)
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	if len(existing) == 0 {
		archived, err := a.log.Tail(ctx, types.ConversationID(id), 0)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, am := range archived {
			if err := a.store.AppendMessage(key, am.Message); err != nil {
				return fmt.Errorf("restore message %s: %w", am.Message.ID, err)
			}
		}
		slog.Debug("conversation restored", "conversation", id, "messages", len(archived))
	}
	return a.dispatcher.Switch(key)
}
