package cli

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Display the current state of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := a.client()
			st, err := cli.ClusterStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("get cluster status: %w", err)
			}
			stats, err := cli.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "--- Cluster Summary ---")
			summary := tablewriter.NewWriter(out)
			summary.Header([]string{"Metric", "Value"})
			summary.Append([]string{"Workers", fmt.Sprintf("%d", st.Workers)})
			summary.Append([]string{"Pending Tasks", fmt.Sprintf("%d", st.PendingTasks)})
			summary.Append([]string{"Running Tasks", fmt.Sprintf("%d", st.RunningTasks)})
			summary.Append([]string{"Completed Tasks", fmt.Sprintf("%d", st.CompletedTasks)})
			summary.Append([]string{"Failed Tasks", fmt.Sprintf("%d", st.FailedTasks)})
			summary.Append([]string{"Tasks Recorded", fmt.Sprintf("%d", stats.Total)})
			summary.Append([]string{"Success Rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100)})
			summary.Append([]string{"Avg Execution Time", (time.Duration(stats.AvgExecutionTime * float64(time.Second))).Round(time.Millisecond).String()})
			return summary.Render()
		},
	}
}
