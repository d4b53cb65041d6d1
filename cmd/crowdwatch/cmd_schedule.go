package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/crowdwatch/internal/agents"
	"github.com/user/crowdwatch/internal/scheduler"
	"github.com/user/crowdwatch/internal/state"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd,
		scheduleEnableCmd, scheduleDisableCmd, scheduleImportCmd)

	scheduleAddCmd.Flags().String("name", "", "schedule name (required)")
	scheduleAddCmd.Flags().String("agent", agents.NameSummary, "agent the event is sent to")
	scheduleAddCmd.Flags().String("prompt", "", "prompt text (required)")
	scheduleAddCmd.Flags().String("schedule", "", "cron schedule expression (required)")
	scheduleAddCmd.Flags().String("session-id", "", "session id (default schedule:<name>)")
	_ = scheduleAddCmd.MarkFlagRequired("name")
	_ = scheduleAddCmd.MarkFlagRequired("prompt")
	_ = scheduleAddCmd.MarkFlagRequired("schedule")
}

// withSchedules opens the store's schedule collection for the duration of fn.
func withSchedules(fn func(ctx context.Context, schedules *state.ScheduleStore) error) error {
	store, err := openStore(loadConfig())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), state.NewScheduleStore(store))
}

// validateSchedule checks the agent name and the cron expression.
func validateSchedule(sch *state.Schedule) error {
	if !slices.Contains(agents.Names, sch.Agent) {
		return fmt.Errorf("unknown agent %q (one of %v)", sch.Agent, agents.Names)
	}
	return scheduler.Validate(sch.Schedule)
}

const restartHint = "Run `crowdwatch restart` to apply to a running daemon."

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled agent events",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sch := &state.Schedule{Enabled: true}
		sch.Name, _ = cmd.Flags().GetString("name")
		sch.Agent, _ = cmd.Flags().GetString("agent")
		sch.Prompt, _ = cmd.Flags().GetString("prompt")
		sch.Schedule, _ = cmd.Flags().GetString("schedule")
		sch.SessionID, _ = cmd.Flags().GetString("session-id")
		if err := validateSchedule(sch); err != nil {
			return err
		}

		return withSchedules(func(ctx context.Context, schedules *state.ScheduleStore) error {
			if err := schedules.Add(ctx, sch); err != nil {
				return fmt.Errorf("add schedule: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Schedule %q added. %s\n", sch.Name, restartHint)
			return nil
		})
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSchedules(func(ctx context.Context, schedules *state.ScheduleStore) error {
			list, err := schedules.List(ctx)
			if err != nil {
				return fmt.Errorf("list schedules: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No schedules configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAGENT\tSCHEDULE\tENABLED\tSESSION")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.Name, s.Agent, s.Schedule, s.Enabled, s.SessionID)
			}
			return w.Flush()
		})
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSchedules(func(ctx context.Context, schedules *state.ScheduleStore) error {
			if err := schedules.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Schedule %q removed.\n", args[0])
			return nil
		})
	},
}

func setEnabled(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withSchedules(func(ctx context.Context, schedules *state.ScheduleStore) error {
			if err := schedules.SetEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			verb := "disabled"
			if enabled {
				verb = "enabled"
			}
			fmt.Fprintf(os.Stdout, "Schedule %q %s. %s\n", args[0], verb, restartHint)
			return nil
		})
	}
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabled(true),
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabled(false),
}

// scheduleFile is the YAML layout accepted by schedule import.
type scheduleFile struct {
	Schedules []*state.Schedule `yaml:"schedules"`
}

// parseScheduleFile decodes and validates a schedule import file. Entries
// default to enabled unless the file says otherwise.
func parseScheduleFile(data []byte) ([]*state.Schedule, error) {
	var raw struct {
		Schedules []map[string]any `yaml:"schedules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}
	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}
	var errs []error
	for i, sch := range file.Schedules {
		if _, set := raw.Schedules[i]["enabled"]; !set {
			sch.Enabled = true
		}
		if sch.Name == "" {
			errs = append(errs, fmt.Errorf("schedule %d: name is required", i))
			continue
		}
		if err := validateSchedule(sch); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sch.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return file.Schedules, nil
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add every schedule listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read schedule file: %w", err)
		}
		list, err := parseScheduleFile(data)
		if err != nil {
			return err
		}
		return withSchedules(func(ctx context.Context, schedules *state.ScheduleStore) error {
			for _, sch := range list {
				if err := schedules.Add(ctx, sch); err != nil {
					return fmt.Errorf("add schedule: %w", err)
				}
			}
			fmt.Fprintf(os.Stdout, "Imported %d schedules. %s\n", len(list), restartHint)
			return nil
		})
	},
}
