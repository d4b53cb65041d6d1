package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/crowdwatch/internal/agents"
	"github.com/user/crowdwatch/internal/memory"
	"github.com/user/crowdwatch/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionClearCmd)
}

// withShortTerm opens the configured Redis and returns agent's short-term view.
func withShortTerm(agent string, fn func(ctx context.Context, st *memory.ShortTerm) error) error {
	if !slices.Contains(agents.Names, agent) {
		return fmt.Errorf("unknown agent %q (one of %v)", agent, agents.Names)
	}
	cfg := loadConfig()
	if cfg.Redis.Addr == memoryRedis {
		return fmt.Errorf("redis.addr is %q; sessions live inside the daemon", memoryRedis)
	}
	ttl, err := cfg.ShortTermTTL()
	if err != nil {
		return err
	}
	ctx := context.Background()
	rdb, closeRedis, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()
	st := memory.NewShortTerm(rdb, "crowdwatch:", ttl, cfg.ShortTerm.MaxTurns).For(agent)
	return fn(ctx, st)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect agent short-term memory",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <agent> <session-id>",
	Short: "Show a session's recent turns and structured context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShortTerm(args[0], func(ctx context.Context, st *memory.ShortTerm) error {
			id := types.SessionID(args[1])
			turns, err := st.Entries(ctx, id)
			if err != nil {
				return err
			}
			structured, err := st.GetStructured(ctx, id)
			if err != nil {
				return err
			}
			if len(turns) == 0 && len(structured) == 0 {
				fmt.Println("Session is empty or expired.")
				return nil
			}
			return printJSON(map[string]any{"turns": turns, "structured": structured})
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <agent> <session-id>",
	Short: "Clear a session's short-term memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShortTerm(args[0], func(ctx context.Context, st *memory.ShortTerm) error {
			if err := st.Clear(ctx, types.SessionID(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[1])
			return nil
		})
	},
}
