package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
)

var (
	// ErrNotFound is returned for a worker id that is not registered.
	ErrNotFound = errors.New("worker not found")
	// ErrNoCapacity is returned when assigning to a worker with no free slot.
	ErrNoCapacity = errors.New("worker has no free slot")
)

// DefaultMaxConcurrentTasks applies to workers that do not declare a limit.
const DefaultMaxConcurrentTasks = 1

// record is the registry's mutable view of a worker.
type record struct {
	w        model.Worker
	memBytes int64
	current  map[string]struct{}
}

func (r *record) snapshot() model.Worker {
	w := r.w
	w.Tags = append([]string(nil), r.w.Tags...)
	w.CurrentTasks = make([]string, 0, len(r.current))
	for id := range r.current {
		w.CurrentTasks = append(w.CurrentTasks, id)
	}
	sort.Strings(w.CurrentTasks)
	return w
}

// Registry tracks live workers, their load and their in-flight tasks.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*record
	kinds   map[string]bool
	logger  *slog.Logger
	clock   func() time.Time

	// staleAfter takes silent workers out of rotation before the heartbeat
	// monitor evicts them. Zero disables the check.
	staleAfter time.Duration
}

// NewRegistry creates a registry accepting workers of the given backend kinds.
func NewRegistry(logger *slog.Logger, kinds ...string) *Registry {
	r := &Registry{
		workers: make(map[string]*record),
		kinds:   make(map[string]bool, len(kinds)),
		logger:  logger,
		clock:   time.Now,
	}
	for _, k := range kinds {
		r.kinds[k] = true
	}
	return r
}

// SetClock replaces the time source. Tests use it to age heartbeats.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	r.clock = clock
	r.mu.Unlock()
}

// SetHeartbeatTimeout makes Select and Assign skip workers whose last
// heartbeat is older than timeout. Zero disables the check.
func (r *Registry) SetHeartbeatTimeout(timeout time.Duration) {
	r.mu.Lock()
	r.staleAfter = timeout
	r.mu.Unlock()
}

// Register adds a worker or refreshes a known one. Counters and in-flight
// tasks of a re-registering worker are kept.
func (r *Registry) Register(w model.Worker) (model.Worker, error) {
	if w.ID == "" {
		return model.Worker{}, fmt.Errorf("%w: worker id is required", model.ErrInvalidConfig)
	}
	if !r.kinds[w.BackendKind] {
		return model.Worker{}, fmt.Errorf("%w: worker %s: unsupported backend kind %q", model.ErrInvalidConfig, w.ID, w.BackendKind)
	}
	if w.Capacity.CPU < 0 {
		return model.Worker{}, fmt.Errorf("%w: worker %s: negative cpu capacity", model.ErrInvalidConfig, w.ID)
	}
	memBytes, err := model.ParseSize(w.Capacity.Memory)
	if err != nil {
		return model.Worker{}, fmt.Errorf("worker %s memory capacity: %w", w.ID, err)
	}
	if w.Capacity.Disk != "" {
		if _, err := model.ParseSize(w.Capacity.Disk); err != nil {
			return model.Worker{}, fmt.Errorf("worker %s disk capacity: %w", w.ID, err)
		}
	}
	if w.Capacity.MaxConcurrentTasks <= 0 {
		w.Capacity.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	rec, ok := r.workers[w.ID]
	if ok {
		rec.w.Hostname = w.Hostname
		rec.w.IPAddress = w.IPAddress
		rec.w.Port = w.Port
		rec.w.BackendKind = w.BackendKind
		rec.w.Capacity = w.Capacity
		rec.w.Tags = append([]string(nil), w.Tags...)
		rec.w.LastHeartbeat = now
		rec.memBytes = memBytes
		rec.refreshStatus()
		r.logger.Info("worker re-registered", "worker_id", w.ID)
		return rec.snapshot(), nil
	}

	w.Status = model.WorkerIdle
	w.LastHeartbeat = now
	w.RegisteredAt = now
	w.Load = model.Load{}
	w.CompletedTasks, w.FailedTasks, w.TotalRuntime = 0, 0, 0
	w.Tags = append([]string(nil), w.Tags...)
	rec = &record{w: w, memBytes: memBytes, current: make(map[string]struct{})}
	r.workers[w.ID] = rec

	r.logger.Info("worker registered",
		"worker_id", w.ID,
		"backend_kind", w.BackendKind,
		"cpu", w.Capacity.CPU,
		"memory", w.Capacity.Memory,
		"max_concurrent_tasks", w.Capacity.MaxConcurrentTasks,
	)
	return rec.snapshot(), nil
}

// Unregister removes a worker. Its in-flight tasks keep running.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.workers, id)
	r.logger.Info("worker unregistered", "worker_id", id)
	return nil
}

// Heartbeat records a worker's current load and recomputes its status.
func (r *Registry) Heartbeat(id string, load model.Load) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.w.Load = load
	rec.w.LastHeartbeat = r.clock().UTC()
	rec.refreshStatus()
	return nil
}

// refreshStatus marks the worker busy when its reported load crosses
// model.BusyThreshold. Offline and error workers are left alone.
func (rec *record) refreshStatus() {
	switch rec.w.Status {
	case model.WorkerOffline, model.WorkerError:
		return
	}
	if rec.w.LoadPercent() > model.BusyThreshold {
		rec.w.Status = model.WorkerBusy
	} else {
		rec.w.Status = model.WorkerIdle
	}
}

// SetStatus overrides a worker's status, e.g. to take it out of rotation.
func (r *Registry) SetStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.w.Status = status
	if status == model.WorkerIdle || status == model.WorkerBusy {
		rec.refreshStatus()
	}
	return nil
}

// Select picks the best worker for task: among idle, live workers with a
// free slot, enough cpu and memory and every required tag, the least loaded
// one, preferring the one that has completed more tasks on a tie.
func (r *Registry) Select(task model.Task) (model.Worker, bool) {
	memBytes, err := model.ParseSize(task.Resources.Memory)
	if err != nil {
		memBytes = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock()
	candidates := make([]*record, 0, len(r.workers))
	for _, rec := range r.workers {
		if !r.available(rec, now) {
			continue
		}
		if rec.w.Capacity.CPU < task.Resources.CPU || rec.memBytes < memBytes {
			continue
		}
		if !rec.w.HasTags(task.Tags) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return model.Worker{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		la, lb := a.w.LoadPercent(), b.w.LoadPercent()
		if la != lb {
			return la < lb
		}
		if a.w.CompletedTasks != b.w.CompletedTasks {
			return a.w.CompletedTasks > b.w.CompletedTasks
		}
		return a.w.ID < b.w.ID
	})
	return candidates[0].snapshot(), true
}

// available reports whether rec can take another task at now: it is idle,
// has a free slot and has not gone silent past the heartbeat timeout.
func (r *Registry) available(rec *record, now time.Time) bool {
	if rec.w.Status != model.WorkerIdle || len(rec.current) >= rec.w.Capacity.MaxConcurrentTasks {
		return false
	}
	return r.staleAfter <= 0 || now.Sub(rec.w.LastHeartbeat) <= r.staleAfter
}

// Assign records taskID as running on the worker. It fails when the worker
// is gone, stale or has no free slot, which keeps the concurrency limit
// intact even if the worker filled up after Select.
func (r *Registry) Assign(workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workerID)
	}
	if !r.available(rec, r.clock()) {
		return fmt.Errorf("%w: %s", ErrNoCapacity, workerID)
	}
	rec.current[taskID] = struct{}{}
	return nil
}

// Release removes taskID from the worker and updates its counters. Releasing
// on a worker that was evicted in the meantime is a no-op.
func (r *Registry) Release(workerID, taskID string, success bool, runtime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		r.logger.Debug("release on unknown worker", "worker_id", workerID, "task_id", taskID)
		return
	}
	if _, ok := rec.current[taskID]; !ok {
		return
	}
	delete(rec.current, taskID)
	if success {
		rec.w.CompletedTasks++
	} else {
		rec.w.FailedTasks++
	}
	rec.w.TotalRuntime += runtime.Seconds()
}

// CleanupStale removes every worker whose last heartbeat is older than
// timeout and returns them as they were at eviction.
func (r *Registry) CleanupStale(timeout time.Duration) []model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var evicted []model.Worker
	for id, rec := range r.workers {
		if now.Sub(rec.w.LastHeartbeat) <= timeout {
			continue
		}
		w := rec.snapshot()
		w.Status = model.WorkerOffline
		evicted = append(evicted, w)
		delete(r.workers, id)
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })
	return evicted
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all workers sorted by id.
func (r *Registry) List() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Worker, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
