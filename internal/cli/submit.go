package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/client"
	"github.com/seantiz/forge/internal/model"
)

func (a *app) submitCmd() *cobra.Command {
	var (
		req       client.TaskRequest
		priority  int
		timeout   int
		resources model.Resources
		env       []string
		follow    bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:     "submit [flags] -- COMMAND [ARGS...]",
		Short:   "Submit a task",
		Example: `forgectl submit --priority 8 --memory 2G -- python3 train.py --epochs 3`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Command = args[0]
			req.Args = args[1:]
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if cmd.Flags().Changed("timeout") {
				req.TimeoutSeconds = &timeout
			}
			if resources != (model.Resources{}) {
				req.Resources = &resources
			}
			if len(env) > 0 {
				req.Environment = make(map[string]string, len(env))
				for _, kv := range env {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
					}
					req.Environment[k] = v
				}
			}

			cli := a.client()
			task, err := cli.SubmitTask(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), task); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Task submitted: %s (%s)\n", task.ID, task.Status)
			}
			if follow {
				return cli.StreamLogs(cmd.Context(), task.ID, func(line string) {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				})
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "task id (generated when empty)")
	f.StringVar(&req.PipelineID, "pipeline", "", "pipeline id")
	f.StringVar(&req.StageName, "stage", "", "pipeline stage name")
	f.StringVarP(&req.WorkingDirectory, "workdir", "w", "", "working directory inside the task environment")
	f.StringVar(&req.Image, "image", "", "container image for container workers")
	f.IntVarP(&priority, "priority", "p", model.DefaultPriority, "task priority (0-10)")
	f.IntVarP(&timeout, "timeout", "t", 0, "timeout in seconds")
	f.Float64Var(&resources.CPU, "cpu", 0, "required cpu cores")
	f.StringVar(&resources.Memory, "memory", "", "required memory, e.g. 512M or 2G")
	f.StringVar(&resources.Disk, "disk", "", "required disk, e.g. 10G")
	f.StringSliceVarP(&req.Dependencies, "depends-on", "d", nil, "ids of tasks that must complete first")
	f.StringSliceVar(&req.Tags, "tag", nil, "worker tags the task requires")
	f.StringSliceVar(&req.Artifacts, "artifact", nil, "glob of output files to collect")
	f.StringArrayVarP(&env, "env", "e", nil, "environment variable as KEY=VALUE")
	f.BoolVarP(&follow, "follow", "f", false, "stream the task output after submitting")
	f.BoolVar(&asJSON, "json", false, "print the task as JSON")
	return cmd
}
