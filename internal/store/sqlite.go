package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/forge/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    pipeline_id    TEXT NOT NULL,
    stage_name     TEXT NOT NULL,
    status         TEXT NOT NULL,
    worker_id      TEXT,
    priority       INTEGER NOT NULL,
    exit_code      INTEGER,
    execution_time REAL,
    record         TEXT NOT NULL,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
)`

const createTasksStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, created_at)`

const createTaskLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createTaskLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs (task_id, seq)`

var migrations = []string{
	createTasksTable,
	createTasksStatusIndex,
	createTaskLogsTable,
	createTaskLogsIndex,
}

// ErrNotFound is returned when a task is not in the store.
var ErrNotFound = errors.New("task not found")

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTask inserts t or replaces the stored record with the same id.
func (s *SQLiteStore) SaveTask(ctx context.Context, t model.Task) error {
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	var exitCode sql.NullInt64
	var execTime sql.NullFloat64
	if t.Result != nil {
		exitCode = sql.NullInt64{Int64: int64(t.Result.ExitCode), Valid: true}
		execTime = sql.NullFloat64{Float64: t.Result.ExecutionTime, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, pipeline_id, stage_name, status, worker_id, priority,
			exit_code, execution_time, record, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			worker_id = excluded.worker_id,
			exit_code = excluded.exit_code,
			execution_time = excluded.execution_time,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		t.ID, t.PipelineID, t.StageName, t.Status, t.WorkerID, t.Priority,
		exitCode, execTime, string(record), t.CreatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	var record string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM tasks WHERE id = ?", id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return decodeTask(record)
}

func decodeTask(record string) (model.Task, error) {
	var t model.Task
	if err := json.Unmarshal([]byte(record), &t); err != nil {
		return model.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with
// the number of tasks matching status. An empty status matches every task.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int, status string) ([]model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if status != "" {
		where, args = " WHERE status = ?", append(args, status)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT record FROM tasks"+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(record)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// GetTaskStats aggregates counts by status and pipeline, the mean execution
// time of finished tasks and the share of finished tasks that succeeded.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:   make(map[string]int),
		CountByPipeline: make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "pipeline_id", stats.CountByPipeline); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(execution_time) FROM tasks WHERE execution_time IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average execution time: %w", err)
	}
	if avg.Valid {
		stats.AvgExecutionTime = avg.Float64
	}

	finished := stats.CountByStatus[model.StatusCompleted] +
		stats.CountByStatus[model.StatusFailed] +
		stats.CountByStatus[model.StatusTimeout]
	if finished > 0 {
		stats.SuccessRate = float64(stats.CountByStatus[model.StatusCompleted]) / float64(finished)
	}
	return stats, nil
}

// countBy fills out with row counts grouped by column. column is always a
// constant from this package.
func (s *SQLiteStore) countBy(ctx context.Context, column string, out map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count tasks by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		out[key] = n
	}
	return rows.Err()
}

// InsertLogLine appends one output line for a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns every stored line for a task in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, line, created_at FROM task_logs WHERE task_id = ? ORDER BY seq ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
