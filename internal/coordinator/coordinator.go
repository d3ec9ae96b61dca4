// Package coordinator matches ready tasks to workers and drives their
// execution through to a recorded outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/worker"
)

// Defaults for Config fields left at zero.
const (
	DefaultIdleBackoffMin = 50 * time.Millisecond
	DefaultIdleBackoffMax = 5 * time.Second
	DefaultDispatchBatch  = 64
)

// Executor runs one task on one worker. engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, task model.Task, w model.Worker) model.Result
}

// Config tunes the dispatch loop.
type Config struct {
	// IdleBackoffMin is the first wait after a pass that dispatched nothing.
	IdleBackoffMin time.Duration
	// IdleBackoffMax caps the doubling idle wait.
	IdleBackoffMax time.Duration
	// DispatchBatch bounds how many ready tasks one pass looks at.
	DispatchBatch int
	// OnPrune is called with the ids of task records dropped by Prune.
	OnPrune func(ids []string)
}

// ClusterStatus is a point-in-time report of workers and task counts.
type ClusterStatus struct {
	Workers        int            `json:"workers"`
	PendingTasks   int            `json:"pending_tasks"`
	RunningTasks   int            `json:"running_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	WorkerDetails  []model.Worker `json:"worker_details"`
}

// Coordinator owns the dispatch loop over a task queue and a worker registry.
type Coordinator struct {
	queue   *queue.Queue
	workers *worker.Registry
	exec    Executor
	cfg     Config
	logger  *slog.Logger

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a coordinator. Run must be called to start dispatching.
func New(q *queue.Queue, workers *worker.Registry, exec Executor, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.IdleBackoffMin <= 0 {
		cfg.IdleBackoffMin = DefaultIdleBackoffMin
	}
	if cfg.IdleBackoffMax < cfg.IdleBackoffMin {
		cfg.IdleBackoffMax = max(DefaultIdleBackoffMax, cfg.IdleBackoffMin)
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = DefaultDispatchBatch
	}
	return &Coordinator{
		queue:   q,
		workers: workers,
		exec:    exec,
		cfg:     cfg,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Run dispatches ready tasks until ctx is cancelled. Executions already
// started keep running after Run returns; use Wait to join them.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		"dispatch_batch", c.cfg.DispatchBatch,
		"idle_backoff_min", c.cfg.IdleBackoffMin.String(),
		"idle_backoff_max", c.cfg.IdleBackoffMax.String(),
	)
	execCtx := context.WithoutCancel(ctx)
	backoff := c.cfg.IdleBackoffMin
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			c.logger.Info("coordinator stopped")
			return nil
		}

		dispatched, exhausted := c.dispatchPass(execCtx)
		if dispatched > 0 {
			backoff = c.cfg.IdleBackoffMin
			if !exhausted {
				continue
			}
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return nil
		case <-c.wake:
			backoff = c.cfg.IdleBackoffMin
		case <-timer.C:
			if dispatched == 0 {
				backoff = min(backoff*2, c.cfg.IdleBackoffMax)
			}
		}
	}
}

// dispatchPass hands ready tasks to workers until DispatchBatch of them
// were dispatched or the ready set runs dry. Tasks no worker can take are
// held outside the ready set and requeued at the end of the pass, so every
// task behind them is still examined. exhausted reports that the ready set
// ran dry before the batch limit.
func (c *Coordinator) dispatchPass(ctx context.Context) (dispatched int, exhausted bool) {
	var held []string
	defer func() {
		for _, id := range held {
			if err := c.queue.Requeue(id); err != nil {
				c.logger.Error("requeue held task", "task_id", id, "error", err)
			}
		}
		c.refreshGauges()
	}()

	for dispatched < c.cfg.DispatchBatch {
		task, ok := c.queue.Next()
		if !ok {
			return dispatched, true
		}
		w, ok := c.workers.Select(task)
		if !ok {
			held = append(held, task.ID)
			continue
		}
		if err := c.dispatch(ctx, task, w); err != nil {
			c.logger.Warn("dispatch failed, holding task", "task_id", task.ID, "worker_id", w.ID, "error", err)
			held = append(held, task.ID)
			continue
		}
		dispatched++
	}
	return dispatched, false
}

// dispatch claims a slot on w, marks the task running and starts its
// execution in a goroutine.
func (c *Coordinator) dispatch(ctx context.Context, task model.Task, w model.Worker) error {
	if err := c.workers.Assign(w.ID, task.ID); err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if err := c.queue.MarkRunning(task.ID, w.ID); err != nil {
		c.workers.Release(w.ID, task.ID, false, 0)
		return fmt.Errorf("mark running: %w", err)
	}
	task.Status = model.StatusRunning
	task.WorkerID = w.ID

	c.logger.Info("task dispatched",
		"task_id", task.ID,
		"worker_id", w.ID,
		"backend_kind", w.BackendKind,
		"priority", task.Priority,
	)
	tasksDispatched.WithLabelValues(w.BackendKind).Inc()
	runningExecutions.Inc()

	c.wg.Go(func() {
		defer runningExecutions.Dec()
		c.execute(ctx, task, w)
	})
	return nil
}

// execute runs the task and routes its result back into the queue and
// the registry.
func (c *Coordinator) execute(ctx context.Context, task model.Task, w model.Worker) {
	start := time.Now()
	res := c.exec.Execute(ctx, task, w)
	runtime := time.Since(start)

	var status string
	var err error
	switch {
	case res.TimedOut:
		status = model.StatusTimeout
		err = c.queue.MarkTimedOut(task.ID, res)
	case res.Success:
		status = model.StatusCompleted
		err = c.queue.MarkCompleted(task.ID, res)
	default:
		status = model.StatusFailed
		err = c.queue.MarkFailed(task.ID, res, failureMessage(res))
	}
	c.workers.Release(w.ID, task.ID, res.Success, runtime)

	if err != nil && !errors.Is(err, queue.ErrUnknownTask) {
		c.logger.Error("record task result", "task_id", task.ID, "status", status, "error", err)
	}
	tasksFinished.WithLabelValues(status).Inc()
	taskDuration.WithLabelValues(status).Observe(runtime.Seconds())
	c.logger.Info("task finished",
		"task_id", task.ID,
		"worker_id", w.ID,
		"status", status,
		"exit_code", res.ExitCode,
		"duration_ms", runtime.Milliseconds(),
	)
	c.Notify()
}

// failureMessage is the error recorded on a failed task: its stderr, or
// the exit code when the task wrote nothing.
func failureMessage(res model.Result) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

// Notify wakes the dispatch loop. It never blocks.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every execution started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Submit enqueues a task and wakes the loop.
func (c *Coordinator) Submit(task model.Task) (model.Task, error) {
	t, err := c.queue.Add(task)
	if err != nil {
		return model.Task{}, err
	}
	tasksSubmitted.Inc()
	c.logger.Info("task submitted", "task_id", t.ID, "pipeline_id", t.PipelineID, "status", t.Status)
	c.Notify()
	return t, nil
}

// Cancel stops a task that has not been dispatched yet.
func (c *Coordinator) Cancel(id, reason string) error {
	if err := c.queue.Cancel(id, reason); err != nil {
		return err
	}
	c.logger.Info("task cancelled", "task_id", id, "reason", reason)
	return nil
}

// Task returns the in-memory record of a task.
func (c *Coordinator) Task(id string) (model.Task, bool) {
	return c.queue.Get(id)
}

// Tasks returns every task record held in memory, in submission order.
func (c *Coordinator) Tasks() []model.Task {
	return c.queue.List()
}

// RegisterWorker adds or refreshes a worker and wakes the loop.
func (c *Coordinator) RegisterWorker(w model.Worker) (model.Worker, error) {
	out, err := c.workers.Register(w)
	if err != nil {
		return model.Worker{}, err
	}
	c.Notify()
	return out, nil
}

// UnregisterWorker removes a worker. Tasks running on it are left to finish.
func (c *Coordinator) UnregisterWorker(id string) error {
	return c.workers.Unregister(id)
}

// Heartbeat records a worker's load and wakes the loop, since a worker
// dropping below the busy threshold may free capacity.
func (c *Coordinator) Heartbeat(id string, load model.Load) error {
	if err := c.workers.Heartbeat(id, load); err != nil {
		return err
	}
	c.Notify()
	return nil
}

// Worker returns one registered worker.
func (c *Coordinator) Worker(id string) (model.Worker, bool) {
	return c.workers.Get(id)
}

// Workers returns every registered worker.
func (c *Coordinator) Workers() []model.Worker {
	return c.workers.List()
}

// Status reports the current shape of the cluster. Pending counts every
// task not yet dispatched.
func (c *Coordinator) Status() ClusterStatus {
	counts := c.queue.Counts()
	details := c.workers.List()
	return ClusterStatus{
		Workers:        len(details),
		PendingTasks:   counts[model.StatusPending] + counts[model.StatusReady] + counts[model.StatusAssigned],
		RunningTasks:   counts[model.StatusRunning],
		CompletedTasks: counts[model.StatusCompleted],
		FailedTasks:    counts[model.StatusFailed] + counts[model.StatusTimeout],
		WorkerDetails:  details,
	}
}

// Prune drops terminal task records that finished before the cutoff from
// memory and returns how many were removed.
func (c *Coordinator) Prune(before time.Time) int {
	ids := c.queue.Prune(before)
	if len(ids) == 0 {
		return 0
	}
	if c.cfg.OnPrune != nil {
		c.cfg.OnPrune(ids)
	}
	c.logger.Info("pruned task records", "count", len(ids), "before", before.UTC().Format(time.RFC3339))
	return len(ids)
}

func (c *Coordinator) refreshGauges() {
	for status, n := range c.queue.Counts() {
		queueTasks.WithLabelValues(status).Set(float64(n))
	}
	registeredWorkers.Set(float64(c.workers.Len()))
}
