package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
)

// cleanupTimeout bounds the backend Cleanup call made after each execution.
const cleanupTimeout = 10 * time.Second

// LogSink persists output lines. store.Store satisfies it.
type LogSink interface {
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
}

// Engine executes tasks on pluggable backends.
type Engine struct {
	registry *backend.Registry
	logs     LogSink
	broker   *LogBroker
	logger   *slog.Logger
}

// NewEngine creates an execution engine. logs may be nil, in which case
// output lines are only streamed.
func NewEngine(reg *backend.Registry, logs LogSink, logger *slog.Logger) *Engine {
	return &Engine{
		registry: reg,
		logs:     logs,
		broker:   NewLogBroker(),
		logger:   logger,
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Execute runs task on the backend of worker and returns its result. It
// never returns an error and never panics: anything that prevents the task
// from running is reported as a failed result with exit code -1.
func (e *Engine) Execute(ctx context.Context, task model.Task, worker model.Worker) (res model.Result) {
	start := time.Now()
	defer e.broker.Close(task.ID)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("backend panicked", "task_id", task.ID, "worker_id", worker.ID, "panic", r)
			res = failure(start, fmt.Sprintf("internal error: %v", r))
		}
	}()

	b, err := e.registry.Resolve(worker.BackendKind)
	if err != nil {
		return failure(start, fmt.Sprintf("resolve backend: %v", err))
	}

	memBytes, err := model.ParseSize(task.Resources.Memory)
	if err != nil {
		return failure(start, fmt.Sprintf("memory request: %v", err))
	}

	timeout := task.Timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := backend.TaskSpec{
		ID:          task.ID,
		PipelineID:  task.PipelineID,
		Stage:       task.StageName,
		Command:     task.Command,
		Args:        task.Args,
		WorkDir:     task.WorkingDir,
		Env:         task.Env,
		Image:       task.Image,
		CPU:         task.Resources.CPU,
		MemoryBytes: memBytes,
		Timeout:     timeout,
		Artifacts:   task.Artifacts,
		LogWriter:   e.logWriter(ctx, task.ID),
	}

	e.logger.Debug("executing task",
		"task_id", task.ID,
		"worker_id", worker.ID,
		"backend_kind", worker.BackendKind,
		"timeout", timeout,
	)

	out, err := b.Execute(runCtx, spec)
	e.cleanup(b, task.ID)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return model.Result{
				ExitCode:      -1,
				Stderr:        fmt.Sprintf("task killed: timeout after %s", timeout),
				ExecutionTime: time.Since(start).Seconds(),
				TimedOut:      true,
			}
		}
		e.logger.Warn("backend error", "task_id", task.ID, "worker_id", worker.ID, "error", err)
		return failure(start, err.Error())
	}

	elapsed := out.Duration
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	return model.Result{
		Success:       out.ExitCode == 0 && !out.TimedOut,
		ExitCode:      out.ExitCode,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		Artifacts:     out.Artifacts,
		ExecutionTime: elapsed.Seconds(),
		TimedOut:      out.TimedOut,
	}
}

// logWriter persists each line, then publishes it to live subscribers.
// Persisting outlives the task deadline so the last lines of a killed task
// are kept.
func (e *Engine) logWriter(ctx context.Context, taskID string) func(string) {
	persistCtx := context.WithoutCancel(ctx)
	var seq atomic.Int64
	return func(line string) {
		n := int(seq.Add(1) - 1)
		if e.logs != nil {
			if err := e.logs.InsertLogLine(persistCtx, taskID, n, line); err != nil {
				e.logger.Error("failed to persist log line", "task_id", taskID, "seq", n, "error", err)
			}
		}
		e.broker.Publish(taskID, line)
	}
}

func (e *Engine) cleanup(b backend.Backend, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := b.Cleanup(ctx, taskID); err != nil {
		e.logger.Warn("backend cleanup failed", "task_id", taskID, "error", err)
	}
}

func failure(start time.Time, msg string) model.Result {
	return model.Result{
		ExitCode:      -1,
		Stderr:        msg,
		ExecutionTime: time.Since(start).Seconds(),
	}
}
