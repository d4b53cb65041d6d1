package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/state"
)

func init() {
	rootCmd.AddCommand(responderCmd)
	responderCmd.AddCommand(responderStatusCmd, responderAssignCmd)

	responderStatusCmd.Flags().Int("history", 0, "also print the last N status updates")
	responderAssignCmd.Flags().String("notes", "", "assignment notes")
}

var responderCmd = &cobra.Command{
	Use:   "responder",
	Short: "Inspect and assign responders",
}

var responderStatusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show responder statuses, or one responder's history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetInt("history")
		return withDomain(func(ctx context.Context, domain *state.Domain) error {
			if len(args) == 1 {
				if history <= 0 {
					history = 10
				}
				updates, err := domain.StatusHistory(ctx, args[0], history)
				if err != nil {
					return err
				}
				return printJSON(updates)
			}

			list, err := domain.ListResponders(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No responders found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tINCIDENT")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.Status, r.AssignedIncident)
			}
			return w.Flush()
		})
	},
}

var responderAssignCmd = &cobra.Command{
	Use:   "assign <responder-id> <incident-id>",
	Short: "Assign a responder to an incident",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		return withDomain(func(ctx context.Context, domain *state.Domain) error {
			report := actions.New(domain, zap.NewNop()).Execute(ctx, actions.Env{Source: cliSource}, []actions.Action{{
				Type:   actions.AssignResponder,
				Params: actions.Params{ResponderIDs: []string{args[0]}, IncidentIDs: []string{args[1]}, Notes: notes},
			}})
			if err := report.Err(); err != nil {
				return err
			}
			fmt.Println(report.Summary())
			return nil
		})
	},
}
