package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/dispatch"
	"github.com/user/streamchat/internal/notify"
	"github.com/user/streamchat/internal/render"
)

var (
	sendConversation string
	sendShowSources  bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendConversation, "conversation", "", "continue an archived conversation by id")
	sendCmd.Flags().BoolVar(&sendShowSources, "sources", false, "print the sources after the answer")
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()
		a.notifier.Register("log", notify.LogSink{})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if sendConversation != "" {
			if err := a.resume(ctx, sendConversation); err != nil {
				return err
			}
		}

		printer := newStreamPrinter(os.Stdout)
		unsubscribe := a.store.Subscribe(printer.observe)
		defer unsubscribe()

		h, err := a.dispatcher.Send(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printer.track(h.AssistantMessageID)
		res := h.Wait()
		printer.finish(res)

		if sendShowSources && len(res.Message.Sources) > 0 {
			fmt.Println()
			if err := render.Sources(os.Stdout, res.Message.Sources); err != nil {
				return fmt.Errorf("print sources: %w", err)
			}
		}
		if res.ConversationID != "" {
			fmt.Fprintf(os.Stderr, "conversation: %s\n", res.ConversationID)
		}
		if res.State == dispatch.StateFailed {
			return res.Err
		}
		return nil
	},
}
