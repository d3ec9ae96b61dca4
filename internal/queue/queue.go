package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
)

var (
	// ErrUnknownTask is returned for operations on a task id the queue does not hold.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask is returned when a task id is submitted twice.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// Observer is called with a snapshot of a task after every status change.
// Observers run outside the queue lock, in the order changes happened, and
// must not call mutating queue methods.
type Observer func(model.Task)

// Option configures a Queue.
type Option func(*Queue)

// WithObserver registers fn to receive task status changes.
func WithObserver(fn Observer) Option {
	return func(q *Queue) {
		q.observers = append(q.observers, fn)
	}
}

// Queue holds submitted tasks, gates them on their dependencies and hands
// out ready tasks in priority order.
type Queue struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	logger   *slog.Logger

	tasks   map[string]*entry
	ready   readyHeap
	waiting map[string][]string // dependency id -> ids of pending dependents
	nextSeq uint64

	// Outcomes outlive Prune so late submissions still see them.
	completed map[string]bool
	failed    map[string]string

	observers []Observer
}

// New creates an empty queue.
func New(logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		logger:    logger,
		tasks:     make(map[string]*entry),
		waiting:   make(map[string][]string),
		completed: make(map[string]bool),
		failed:    make(map[string]string),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Add validates and enqueues a task. The task becomes ready at once when all
// of its dependencies have completed and stays pending otherwise. A task
// depending on one that already failed is cancelled immediately.
func (q *Queue) Add(t model.Task) (model.Task, error) {
	if err := normalize(&t); err != nil {
		return model.Task{}, err
	}

	q.mu.Lock()
	if _, ok := q.tasks[t.ID]; ok {
		q.mu.Unlock()
		return model.Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	q.nextSeq++
	e := &entry{task: t.Clone(), seq: q.nextSeq, index: -1}
	e.task.Status = model.StatusPending
	q.tasks[t.ID] = e

	var events []model.Task
	events = append(events, e.task.Clone())

	var failedDep, failedStatus string
	for _, dep := range t.Dependencies {
		if q.completed[dep] {
			continue
		}
		if st, ok := q.failed[dep]; ok && failedDep == "" {
			failedDep, failedStatus = dep, st
			continue
		}
		e.unmet++
		q.waiting[dep] = append(q.waiting[dep], t.ID)
	}

	switch {
	case failedDep != "":
		events = append(events, q.cancelLocked(e, fmt.Sprintf("dependency %s %s", failedDep, failedStatus))...)
	case e.unmet == 0:
		q.promoteLocked(e)
		events = append(events, e.task.Clone())
	}
	out := e.task.Clone()
	q.unlockAndNotify(events)

	q.logger.Debug("task added", "task_id", out.ID, "status", out.Status, "priority", out.Priority)
	return out, nil
}

// Next removes the highest-priority ready task and marks it assigned.
func (q *Queue) Next() (model.Task, bool) {
	q.mu.Lock()
	if q.ready.Len() == 0 {
		q.mu.Unlock()
		return model.Task{}, false
	}
	e := heap.Pop(&q.ready).(*entry)
	ts := now()
	e.task.Status = model.StatusAssigned
	e.task.AssignedAt = &ts
	out := e.task.Clone()
	q.unlockAndNotify([]model.Task{out})
	return out, true
}

// Requeue puts an assigned task back into the ready set with its original
// ordering key.
func (q *Queue) Requeue(id string) error {
	return q.update(id, model.StatusReady, func(e *entry) {
		e.task.WorkerID = ""
		e.task.AssignedAt = nil
		heap.Push(&q.ready, e)
	})
}

// MarkRunning records that the task started on workerID.
func (q *Queue) MarkRunning(id, workerID string) error {
	return q.update(id, model.StatusRunning, func(e *entry) {
		ts := now()
		e.task.WorkerID = workerID
		e.task.StartedAt = &ts
	})
}

// MarkCompleted records a successful result and promotes every dependent
// whose dependencies are now all complete.
func (q *Queue) MarkCompleted(id string, res model.Result) error {
	return q.finish(id, model.StatusCompleted, res, "")
}

// MarkFailed records a failed result and cancels the task's pending dependents.
func (q *Queue) MarkFailed(id string, res model.Result, msg string) error {
	return q.finish(id, model.StatusFailed, res, msg)
}

// MarkTimedOut records a result cut short by the task deadline and cancels
// the task's pending dependents.
func (q *Queue) MarkTimedOut(id string, res model.Result) error {
	return q.finish(id, model.StatusTimeout, res, "execution timed out")
}

// Cancel stops a task that has not been dispatched yet. Its pending
// dependents are cancelled too.
func (q *Queue) Cancel(id, reason string) error {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		q.logger.Warn("cancel for unknown task", "task_id", id)
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	from := e.task.Status
	if !model.ValidTransition(from, model.StatusCancelled) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, model.StatusCancelled)
	}
	if reason == "" {
		reason = "cancelled"
	}
	events := q.cancelLocked(e, reason)
	q.unlockAndNotify(events)
	return nil
}

func (q *Queue) finish(id, status string, res model.Result, msg string) error {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		q.logger.Warn("result for unknown task", "task_id", id, "status", status)
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !model.ValidTransition(e.task.Status, status) {
		from := e.task.Status
		q.mu.Unlock()
		q.logger.Debug("ignoring result", "task_id", id, "from", from, "to", status)
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, status)
	}

	ts := now()
	r := res
	e.task.Status = status
	e.task.CompletedAt = &ts
	e.task.Result = &r
	e.task.Error = msg
	events := []model.Task{e.task.Clone()}

	if status == model.StatusCompleted {
		q.completed[id] = true
		for _, depID := range q.waiting[id] {
			d, ok := q.tasks[depID]
			if !ok || d.task.Status != model.StatusPending {
				continue
			}
			d.unmet--
			if d.unmet == 0 {
				q.promoteLocked(d)
				events = append(events, d.task.Clone())
			}
		}
		delete(q.waiting, id)
	} else {
		q.failed[id] = status
		events = append(events, q.cascadeLocked(id, status)...)
	}
	q.unlockAndNotify(events)
	return nil
}

// update applies a non-terminal transition under the lock.
func (q *Queue) update(id, to string, fn func(*entry)) error {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		q.logger.Warn("transition for unknown task", "task_id", id, "to", to)
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	from := e.task.Status
	if !model.ValidTransition(from, to) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	e.task.Status = to
	fn(e)
	q.unlockAndNotify([]model.Task{e.task.Clone()})
	return nil
}

func (q *Queue) promoteLocked(e *entry) {
	e.task.Status = model.StatusReady
	heap.Push(&q.ready, e)
}

// cancelLocked cancels e and everything waiting on it.
func (q *Queue) cancelLocked(e *entry, reason string) []model.Task {
	if e.index >= 0 {
		heap.Remove(&q.ready, e.index)
	}
	ts := now()
	e.task.Status = model.StatusCancelled
	e.task.CompletedAt = &ts
	e.task.Error = reason
	q.failed[e.task.ID] = model.StatusCancelled

	events := []model.Task{e.task.Clone()}
	return append(events, q.cascadeLocked(e.task.ID, model.StatusCancelled)...)
}

// cascadeLocked cancels every pending task transitively reachable from
// rootID through dependency edges.
func (q *Queue) cascadeLocked(rootID, status string) []model.Task {
	var events []model.Task
	reason := fmt.Sprintf("dependency %s %s", rootID, status)

	visited := map[string]bool{rootID: true}
	frontier := append([]string(nil), q.waiting[rootID]...)
	delete(q.waiting, rootID)

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		e, ok := q.tasks[id]
		if !ok || e.task.Status != model.StatusPending {
			continue
		}
		ts := now()
		e.task.Status = model.StatusCancelled
		e.task.CompletedAt = &ts
		e.task.Error = reason
		q.failed[id] = model.StatusCancelled
		events = append(events, e.task.Clone())

		frontier = append(frontier, q.waiting[id]...)
		delete(q.waiting, id)
	}
	return events
}

// unlockAndNotify releases the queue lock and delivers events to observers
// while holding notifyMu, so observers see changes in the order they happened.
func (q *Queue) unlockAndNotify(events []model.Task) {
	if len(q.observers) == 0 || len(events) == 0 {
		q.mu.Unlock()
		return
	}
	q.notifyMu.Lock()
	q.mu.Unlock()
	defer q.notifyMu.Unlock()
	for _, ev := range events {
		for _, fn := range q.observers {
			fn(ev)
		}
	}
}

// Get returns a snapshot of the task with the given id.
func (q *Queue) Get(id string) (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return e.task.Clone(), true
}

// List returns snapshots of all tasks held in memory in submission order.
func (q *Queue) List() []model.Task {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.tasks))
	for _, e := range q.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.Task, len(entries))
	for i, e := range entries {
		out[i] = e.task.Clone()
	}
	q.mu.Unlock()
	return out
}

// Counts returns the number of tasks held in memory per status.
func (q *Queue) Counts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[string]int{
		model.StatusPending:   0,
		model.StatusReady:     0,
		model.StatusAssigned:  0,
		model.StatusRunning:   0,
		model.StatusCompleted: 0,
		model.StatusFailed:    0,
		model.StatusCancelled: 0,
		model.StatusTimeout:   0,
	}
	for _, e := range q.tasks {
		counts[e.task.Status]++
	}
	return counts
}

// ReadyLen returns the number of tasks waiting for a worker.
func (q *Queue) ReadyLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// Prune forgets terminal tasks that finished before the cutoff and returns
// their ids. Their outcomes are kept so dependency gating is unaffected.
func (q *Queue) Prune(before time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pruned []string
	for id, e := range q.tasks {
		if !model.IsTerminal(e.task.Status) || e.task.CompletedAt == nil {
			continue
		}
		if e.task.CompletedAt.Before(before) {
			delete(q.tasks, id)
			delete(q.waiting, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}

func normalize(t *model.Task) error {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.Command == "" && len(t.Args) == 0 {
		return fmt.Errorf("%w: task %s has no command", model.ErrInvalidConfig, t.ID)
	}
	if t.Resources.CPU < 0 {
		return fmt.Errorf("%w: task %s requests negative cpu", model.ErrInvalidConfig, t.ID)
	}
	if t.Resources.CPU == 0 {
		t.Resources.CPU = model.DefaultCPU
	}
	if t.Resources.Memory == "" {
		t.Resources.Memory = model.DefaultMemory
	}
	if _, err := model.ParseSize(t.Resources.Memory); err != nil {
		return fmt.Errorf("task %s memory: %w", t.ID, err)
	}
	if t.Resources.Disk != "" {
		if _, err := model.ParseSize(t.Resources.Disk); err != nil {
			return fmt.Errorf("task %s disk: %w", t.ID, err)
		}
	}
	if t.TimeoutS < 0 {
		return fmt.Errorf("%w: task %s has negative timeout", model.ErrInvalidConfig, t.ID)
	}
	if t.TimeoutS == 0 {
		t.TimeoutS = model.DefaultTimeoutS
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}

	seen := make(map[string]bool, len(t.Dependencies))
	deps := t.Dependencies[:0:0]
	for _, d := range t.Dependencies {
		if d == t.ID {
			return fmt.Errorf("%w: task %s depends on itself", model.ErrInvalidConfig, t.ID)
		}
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}
	t.Dependencies = deps
	t.Status = ""
	t.WorkerID = ""
	t.AssignedAt, t.StartedAt, t.CompletedAt = nil, nil, nil
	t.Result = nil
	t.Error = ""
	return nil
}
