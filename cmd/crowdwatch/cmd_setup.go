package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/crowdwatch/internal/config"
	"github.com/user/crowdwatch/internal/scheduler"
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

		fmt.Println("Crowdwatch Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.LLM.Provider = prompt(scanner, "LLM provider (gemini, openai, anthropic)", cfg.LLM.Provider)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		maxTokensStr := prompt(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil {
			cfg.LLM.MaxTokens = n
		}

		cfg.Redis.Addr = prompt(scanner, `Redis address ("memory" for in-process)`, cfg.Redis.Addr)
		cfg.NATS.URL = prompt(scanner, "NATS URL (optional, empty for in-process bus)", cfg.NATS.URL)
		cfg.HTTPAddr = prompt(scanner, "HTTP listen address", cfg.HTTPAddr)

		for {
			sweep := prompt(scanner, "Reconciliation sweep schedule (empty to disable)", cfg.SweepSchedule)
			if sweep == "" || scheduler.Validate(sweep) == nil {
				cfg.SweepSchedule = sweep
				break
			}
			fmt.Println("Invalid cron expression, try again.")
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		targets := prompt(scanner, "Delivery targets, comma separated (e.g. telegram:12345)", strings.Join(cfg.Telegram.Targets, ","))
		cfg.Telegram.Targets = nil
		for _, t := range strings.Split(targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Telegram.Targets = append(cfg.Telegram.Targets, t)
			}
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
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
