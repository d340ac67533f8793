package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pont/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one config value",
	Long: `Print one value by dotted path.

Example:
  pont config get port
  pont config get worker.model
  pont config get tracing`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		value, err := config.Get(configFilePath(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one config value, preserving comments",
	Long: `Set one value by dotted path. Only the named key changes; comments
and formatting elsewhere in the file survive.

Example:
  pont config set port 8080
  pont config set worker.model gpt-5-codex
  pont config set tracing.enabled true`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		path := configFilePath()
		if err := config.Set(path, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s = %s (%s)\n", args[0], args[1], path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path in effect",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(configFilePath())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
}
