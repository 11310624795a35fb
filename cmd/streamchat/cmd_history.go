package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/render"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyClearCmd)
	historyShowCmd.Flags().IntVar(&historyLimit, "limit", 0, "show only the last N messages")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse archived conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		index := state.NewConversationIndex(cfg.DataDir)

		list, err := index.List(context.Background())
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				c.ConversationID,
				c.Title,
				c.MessageCount,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print an archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		log := state.NewMessageLog(cfg.DataDir)

		msgs, err := log.Tail(context.Background(), types.ConversationID(args[0]), historyLimit)
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}
		if len(msgs) == 0 {
			return fmt.Errorf("conversation not found: %s", args[0])
		}
		transcript := make([]types.Message, 0, len(msgs))
		for _, am := range msgs {
			transcript = append(transcript, am.Message)
		}
		if err := render.Transcript(os.Stdout, transcript); err != nil {
			return fmt.Errorf("print conversation: %w", err)
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete an archived conversation or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		if args[0] == "all" {
			if err := os.RemoveAll(filepath.Join(cfg.DataDir, "conversations")); err != nil {
				return fmt.Errorf("remove conversations directory: %w", err)
			}
			fmt.Println("All conversations cleared.")
			return nil
		}

		index := state.NewConversationIndex(cfg.DataDir)
		if err := index.Delete(context.Background(), types.ConversationID(args[0])); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("conversation not found: %s", args[0])
			}
			return fmt.Errorf("delete conversation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Conversation %s cleared.\n", args[0])
		return nil
	},
}
