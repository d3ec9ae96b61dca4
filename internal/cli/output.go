package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/seantiz/forge/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func commandLine(t model.Task) string {
	line := strings.TrimSpace(t.Command + " " + strings.Join(t.Args, " "))
	if len(line) > 48 {
		line = line[:45] + "..."
	}
	return line
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printTaskTable(w io.Writer, tasks []model.Task) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Status", "Priority", "Command", "Worker", "Created"})
	for _, t := range tasks {
		created := t.CreatedAt
		if err := table.Append([]string{
			t.ID,
			t.Status,
			fmt.Sprintf("%d", t.Priority),
			commandLine(t),
			orDash(t.WorkerID),
			formatTime(&created),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func printTaskDetail(w io.Writer, t model.Task) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Field", "Value"})
	rows := [][]string{
		{"ID", t.ID},
		{"Status", t.Status},
		{"Command", strings.TrimSpace(t.Command + " " + strings.Join(t.Args, " "))},
		{"Priority", fmt.Sprintf("%d", t.Priority)},
		{"Timeout", fmt.Sprintf("%ds", t.TimeoutS)},
		{"Resources", fmt.Sprintf("cpu=%g memory=%s disk=%s", t.Resources.CPU, t.Resources.Memory, orDash(t.Resources.Disk))},
		{"Dependencies", orDash(strings.Join(t.Dependencies, ","))},
		{"Worker", orDash(t.WorkerID)},
		{"Created", formatTime(&t.CreatedAt)},
		{"Started", formatTime(t.StartedAt)},
		{"Completed", formatTime(t.CompletedAt)},
	}
	if t.PipelineID != "" {
		rows = append(rows, []string{"Pipeline", t.PipelineID + "/" + t.StageName})
	}
	if t.Result != nil {
		rows = append(rows,
			[]string{"Exit code", fmt.Sprintf("%d", t.Result.ExitCode)},
			[]string{"Duration", fmt.Sprintf("%.2fs", t.Result.ExecutionTime)},
		)
		if len(t.Result.Artifacts) > 0 {
			rows = append(rows, []string{"Artifacts", strings.Join(t.Result.Artifacts, ",")})
		}
	}
	if t.Error != "" {
		rows = append(rows, []string{"Error", t.Error})
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	return table.Render()
}
