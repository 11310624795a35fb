package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("streamchat setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.API.BaseURL = prompt(scanner, "Chat service URL", cfg.API.BaseURL)
		cfg.API.Token = prompt(scanner, "API token", cfg.API.Token)
		cfg.API.ProjectID = prompt(scanner, "Project id (optional)", cfg.API.ProjectID)

		idle := prompt(scanner, "Seconds without data before a reply fails", strconv.Itoa(cfg.Stream.IdleTimeoutSeconds))
		if n, err := strconv.Atoi(idle); err == nil && n > 0 {
			cfg.Stream.IdleTimeoutSeconds = n
		}

		relay := prompt(scanner, "Start the observer relay with chat (y/n)", yesNo(cfg.Relay.Enabled))
		cfg.Relay.Enabled = strings.HasPrefix(strings.ToLower(relay), "y")
		if cfg.Relay.Enabled {
			cfg.Relay.Listen = prompt(scanner, "Relay listen address", cfg.Relay.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
