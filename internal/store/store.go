// Package store keeps a durable history of tasks and their output lines.
// The in-memory queue is authoritative for scheduling; the store is written
// behind it so finished tasks stay queryable after the queue prunes them.
package store

import (
	"context"

	"github.com/seantiz/forge/internal/model"
)

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByPipeline  map[string]int `json:"count_by_pipeline"`
	AvgExecutionTime float64        `json:"avg_execution_time"`
	SuccessRate      float64        `json:"success_rate"`
}

// Store defines the persistence operations for task history.
type Store interface {
	SaveTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context, limit, offset int, status string) ([]model.Task, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error)
	Close() error
}
