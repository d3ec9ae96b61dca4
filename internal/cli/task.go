package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage tasks",
	}
	cmd.AddCommand(a.taskGetCmd(), a.taskListCmd(), a.taskCancelCmd(), a.taskLogsCmd())
	return cmd
}

func (a *app) taskGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := a.client().GetTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), task)
			}
			return printTaskDetail(cmd.OutOrStdout(), task)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the task as JSON")
	return cmd
}

func (a *app) taskListCmd() *cobra.Command {
	var (
		limit  int
		offset int
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.client().ListTasks(cmd.Context(), limit, offset, status)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(list.Tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
				return nil
			}
			if err := printTaskTable(cmd.OutOrStdout(), list.Tasks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d-%d of %d\n", offset+1, offset+len(list.Tasks), list.Total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of tasks to return")
	cmd.Flags().IntVarP(&offset, "offset", "o", 0, "offset for pagination")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only tasks in this status")
	return cmd
}

func (a *app) taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a task that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := a.client().CancelTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", task.ID, task.Status)
			return nil
		},
	}
}

func (a *app) taskLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs TASK_ID",
		Short: "Print a task's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if follow {
				return a.client().StreamLogs(cmd.Context(), args[0], func(line string) {
					fmt.Fprintln(out, line)
				})
			}
			lines, err := a.client().LogHistory(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get logs: %w", err)
			}
			for _, l := range lines {
				fmt.Fprintln(out, l.Line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream output until the task finishes")
	return cmd
}
