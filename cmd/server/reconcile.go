package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/contract-ledger/api"
)

// NewReconcileCommand creates the one-shot poll command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the ledger once and print the report",
		Long: `Runs the document-arrival pipeline over every pending ledger document,
records the run and prints the report as JSON.

Example:
  server reconcile --config ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts.Config)
			if err != nil {
				return err
			}
			defer a.close()

			run, report, err := a.poller.Poll(cmd.Context(), api.TriggerManual)
			if err != nil {
				return fmt.Errorf("poll failed: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"run":    run,
				"report": api.NewReportDTO(report),
			})
		},
	}
}
