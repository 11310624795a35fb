package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/config"
)

var configReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configListCmd.Flags().BoolVar(&configReveal, "reveal", false, "print secret values unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and change settings",
	Long: `Show and change settings in the config file.

Keys are dot-separated, for example api.base_url or relay.enabled.
STREAMCHAT_API_TOKEN, STREAMCHAT_BASE_URL and STREAMCHAT_PROJECT_ID
override the file; list shows which values come from the environment.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the settings in effect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values := config.ListValues(cfg, !configReveal)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		for _, s := range config.Settings() {
			source := "file"
			if env := config.EnvOverride(s.Key); env != "" {
				source = env
			}
			fmt.Fprintf(w, "%s\t%v\t%s\n", s.Key, values[s.Key], source)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the stored value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, val)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Example: `  streamchat config set api.base_url https://chat.example.com
  streamchat config set stream.idle_timeout_seconds 90
  streamchat config set relay.enabled true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			value = "***"
		}
		fmt.Fprintf(os.Stdout, "%s = %s\n", key, value)
		if env := config.EnvOverride(key); env != "" {
			fmt.Fprintf(os.Stderr, "note: %s is set and overrides this value\n", env)
		}
		return nil
	},
}
