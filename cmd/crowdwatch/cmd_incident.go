package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// cliSource tags records written from the command line.
const cliSource = "cli"

func init() {
	rootCmd.AddCommand(incidentCmd)
	incidentCmd.AddCommand(incidentListCmd, incidentShowCmd, incidentCreateCmd, incidentCloseCmd)

	incidentListCmd.Flags().String("status", "", "filter by status")
	incidentListCmd.Flags().String("priority", "", "filter by priority")
	incidentListCmd.Flags().String("zone", "", "filter by zone id")
	incidentListCmd.Flags().String("type", "", "filter by incident type")
	incidentListCmd.Flags().Int("limit", 50, "maximum incidents to list")

	incidentCreateCmd.Flags().String("type", "", "incident type (required)")
	incidentCreateCmd.Flags().String("zone", "", "zone id (required)")
	incidentCreateCmd.Flags().String("priority", string(types.PriorityMedium), "low, medium, high or critical")
	incidentCreateCmd.Flags().String("description", "", "free-text description")
	_ = incidentCreateCmd.MarkFlagRequired("type")
	_ = incidentCreateCmd.MarkFlagRequired("zone")

	incidentCloseCmd.Flags().String("notes", "", "closing notes")
}

// withDomain opens the store for the duration of fn.
func withDomain(fn func(ctx context.Context, domain *state.Domain) error) error {
	store, err := openStore(loadConfig())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), state.NewDomain(store))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Inspect and manage incidents",
}

var incidentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := state.IncidentFilter{}
		f.ZoneID, _ = cmd.Flags().GetString("zone")
		f.Type, _ = cmd.Flags().GetString("type")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			st, err := types.ParseIncidentStatus(v)
			if err != nil {
				return err
			}
			f.Status = st
		}
		if v, _ := cmd.Flags().GetString("priority"); v != "" {
			p, err := types.ParsePriority(v)
			if err != nil {
				return err
			}
			f.Priority = p
		}

		return withDomain(func(ctx context.Context, domain *state.Domain) error {
			list, err := domain.ListIncidents(ctx, f)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No incidents found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tZONE\tPRIORITY\tSTATUS\tREPORTED")
			for _, inc := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					inc.ID, inc.Type, inc.ZoneID, inc.Priority, inc.Status,
					inc.Timestamp.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

var incidentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an incident and its assigned responders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDomain(func(ctx context.Context, domain *state.Domain) error {
			inc, err := domain.GetIncident(ctx, args[0])
			if err != nil {
				return err
			}
			assigned, err := domain.RespondersAssignedTo(ctx, inc.ID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"incident": inc, "responders": assigned})
		})
	},
}

var incidentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Report an incident",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inc := &types.Incident{Source: cliSource, Status: types.IncidentActive}
		inc.Type, _ = cmd.Flags().GetString("type")
		inc.ZoneID, _ = cmd.Flags().GetString("zone")
		inc.Description, _ = cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		p, err := types.ParsePriority(priority)
		if err != nil {
			return err
		}
		inc.Priority = p

		return withDomain(func(ctx context.Context, domain *state.Domain) error {
			id, err := domain.CreateIncident(ctx, inc)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Incident %s created.\n", id)
			return nil
		})
	},
}

var incidentCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close an incident and release its responders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		return withDomain(func(ctx context.Context, domain *state.Domain) error {
			if _, err := domain.GetIncident(ctx, args[0]); err != nil {
				return err
			}
			report := actions.New(domain, zap.NewNop()).Execute(ctx, actions.Env{Source: cliSource}, []actions.Action{{
				Type:   actions.Close,
				Params: actions.Params{IncidentIDs: []string{args[0]}, Notes: notes},
				Reason: "closed from the command line",
			}})
			if err := report.Err(); err != nil {
				return err
			}
			fmt.Println(report.Summary())
			return nil
		})
	},
}
