package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/dispatch"
	"github.com/user/streamchat/internal/notify"
	"github.com/user/streamchat/internal/relay"
	"github.com/user/streamchat/internal/render"
)

var chatConversation string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "resume an archived conversation by id")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat.

Ctrl-C stops the answer being generated; pressed while idle it exits.
Commands: /new starts a new conversation, /sources lists the sources of the
last answer, /retry resends the last failed message, /quit exits.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.notifier.Register("terminal", &notify.WriterSink{W: os.Stderr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if chatConversation != "" {
		if err := a.resume(ctx, chatConversation); err != nil {
			return err
		}
		msgs, err := a.store.Messages(a.dispatcher.Active())
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		if err := render.Transcript(os.Stdout, msgs); err != nil {
			return fmt.Errorf("print history: %w", err)
		}
	}

	if cfg.Relay.Enabled {
		srv := relay.NewServer(a.store,
			relay.WithSender(a.dispatcher),
			relay.WithArchive(a.index, a.log),
			relay.WithMetrics(a.metrics),
		)
		go func() {
			slog.Info("relay started", "listen", cfg.Relay.Listen)
			if err := srv.ListenAndServe(ctx, cfg.Relay.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("relay error", "error", err)
			}
		}()
	}

	printer := newStreamPrinter(os.Stdout)
	unsubscribe := a.store.Subscribe(printer.observe)
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var lastFailed string
	for {
		fmt.Print("> ")

		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		case sig := <-sigChan:
			fmt.Println()
			slog.Debug("exiting", "signal", sig)
			return nil
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			key := a.dispatcher.NewConversation()
			fmt.Printf("Started conversation %s\n", key)
			continue
		case "/sources":
			if err := render.Sources(os.Stdout, printer.lastSources()); err != nil {
				return fmt.Errorf("print sources: %w", err)
			}
			continue
		case "/retry":
			if lastFailed == "" {
				fmt.Println("Nothing to retry.")
				continue
			}
			line = lastFailed
		}

		h, err := a.dispatcher.Send(ctx, line)
		if errors.Is(err, dispatch.ErrSendInFlight) {
			fmt.Println("Still answering. Press Ctrl-C to stop it first.")
			continue
		}
		if err != nil {
			return err
		}
		printer.track(h.AssistantMessageID)

		var res dispatch.Result
	wait:
		for {
			select {
			case <-h.Done():
				res = h.Wait()
				break wait
			case sig := <-sigChan:
				if sig == syscall.SIGTERM {
					h.Cancel()
					<-h.Done()
					return nil
				}
				h.Cancel()
			}
		}
		printer.finish(res)

		lastFailed = ""
		var se *dispatch.SendError
		if res.State == dispatch.StateFailed && errors.As(res.Err, &se) && se.Retryable() {
			lastFailed = line
			fmt.Println("Type /retry to send it again.")
		}
	}
}
