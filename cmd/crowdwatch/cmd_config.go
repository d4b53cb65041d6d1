package main

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/crowdwatch/internal/config"
	"github.com/user/crowdwatch/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configListCmd.Flags().Bool("reveal", false, "show secrets unmasked")
}

// checkValue rejects values the daemon would refuse at startup.
func checkValue(key, value string) error {
	switch key {
	case "sweep_schedule":
		if value == "" {
			return nil
		}
		return scheduler.Validate(value)
	case "llm.provider":
		if !slices.Contains([]string{"gemini", "openai", "anthropic"}, value) {
			return fmt.Errorf("unknown provider %q (gemini, openai or anthropic)", value)
		}
	case "log_format":
		if value != "console" && value != "json" {
			return fmt.Errorf("log_format must be console or json")
		}
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values (secrets masked)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reveal, _ := cmd.Flags().GetBool("reveal")
		values, err := config.ListValues(loadConfig(), !reveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		for _, k := range slices.Sorted(maps.Keys(values)) {
			fmt.Fprintf(os.Stdout, "%s = %v\n", k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkValue(args[0], args[1]); err != nil {
			return err
		}
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s. %s\n", args[0], display, restartHint)
		return nil
	},
}
