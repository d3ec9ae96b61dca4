package cli

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (a *app) workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := a.client().Workers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers are currently registered.")
				return nil
			}

			table := tablewriter.NewWriter(out)
			table.Header([]string{"Worker ID", "Backend", "Status", "Load", "Running", "Completed", "Failed", "Last Seen"})
			for _, w := range workers {
				table.Append([]string{
					w.ID,
					w.BackendKind,
					w.Status,
					fmt.Sprintf("%.0f%%", w.LoadPercent()),
					fmt.Sprintf("%d/%d", len(w.CurrentTasks), w.Capacity.MaxConcurrentTasks),
					fmt.Sprintf("%d", w.CompletedTasks),
					fmt.Sprintf("%d", w.FailedTasks),
					w.LastHeartbeat.Local().Format(time.RFC1123),
				})
			}
			return table.Render()
		},
	}
}
