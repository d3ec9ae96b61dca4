package queue

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustAdd(t *testing.T, q *Queue, task model.Task) model.Task {
	t.Helper()
	if task.Command == "" {
		task.Command = "true"
	}
	out, err := q.Add(task)
	if err != nil {
		t.Fatalf("Add(%s): %v", task.ID, err)
	}
	return out
}

func mustNext(t *testing.T, q *Queue) model.Task {
	t.Helper()
	task, ok := q.Next()
	if !ok {
		t.Fatal("Next() returned no task")
	}
	return task
}

func complete(t *testing.T, q *Queue, id string) {
	t.Helper()
	if err := q.MarkRunning(id, "w1"); err != nil {
		t.Fatalf("MarkRunning(%s): %v", id, err)
	}
	if err := q.MarkCompleted(id, model.Result{Success: true}); err != nil {
		t.Fatalf("MarkCompleted(%s): %v", id, err)
	}
}

func TestAddAppliesDefaults(t *testing.T) {
	q := New(testLogger())
	task := mustAdd(t, q, model.Task{ID: "a"})

	if task.Status != model.StatusReady {
		t.Errorf("Status = %q, want %q", task.Status, model.StatusReady)
	}
	if task.Resources.CPU != model.DefaultCPU {
		t.Errorf("CPU = %v, want %v", task.Resources.CPU, model.DefaultCPU)
	}
	if task.Resources.Memory != model.DefaultMemory {
		t.Errorf("Memory = %q, want %q", task.Resources.Memory, model.DefaultMemory)
	}
	if task.TimeoutS != model.DefaultTimeoutS {
		t.Errorf("TimeoutS = %d, want %d", task.TimeoutS, model.DefaultTimeoutS)
	}
	if task.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestAddGeneratesID(t *testing.T) {
	q := New(testLogger())
	task := mustAdd(t, q, model.Task{})
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if _, ok := q.Get(task.ID); !ok {
		t.Error("task not retrievable by generated id")
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		task model.Task
	}{
		{"no command", model.Task{ID: "a"}},
		{"bad memory", model.Task{ID: "a", Command: "x", Resources: model.Resources{Memory: "lots"}}},
		{"bad disk", model.Task{ID: "a", Command: "x", Resources: model.Resources{Disk: "1Q"}}},
		{"negative cpu", model.Task{ID: "a", Command: "x", Resources: model.Resources{CPU: -1}}},
		{"self dependency", model.Task{ID: "a", Command: "x", Dependencies: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(testLogger())
			if _, err := q.Add(tt.task); !errors.Is(err, model.ErrInvalidConfig) {
				t.Errorf("Add() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	if _, err := q.Add(model.Task{ID: "a", Command: "true"}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("Add() duplicate error = %v, want ErrDuplicateTask", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(testLogger())
	base := time.Now()
	mustAdd(t, q, model.Task{ID: "low", Priority: 1, CreatedAt: base})
	mustAdd(t, q, model.Task{ID: "high", Priority: 9, CreatedAt: base.Add(time.Millisecond)})
	mustAdd(t, q, model.Task{ID: "mid", Priority: 5, CreatedAt: base.Add(2 * time.Millisecond)})

	for _, want := range []string{"high", "mid", "low"} {
		if got := mustNext(t, q); got.ID != want {
			t.Errorf("Next() = %s, want %s", got.ID, want)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(testLogger())
	ts := time.Now()
	// Identical creation times fall back to submission order.
	for _, id := range []string{"first", "second", "third"} {
		mustAdd(t, q, model.Task{ID: id, Priority: 5, CreatedAt: ts})
	}
	for _, want := range []string{"first", "second", "third"} {
		if got := mustNext(t, q); got.ID != want {
			t.Errorf("Next() = %s, want %s", got.ID, want)
		}
	}
}

func TestDependencyGating(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	b := mustAdd(t, q, model.Task{ID: "b", Dependencies: []string{"a"}})
	if b.Status != model.StatusPending {
		t.Fatalf("b.Status = %q, want pending", b.Status)
	}

	if got := mustNext(t, q); got.ID != "a" {
		t.Fatalf("Next() = %s, want a", got.ID)
	}
	if _, ok := q.Next(); ok {
		t.Fatal("b handed out before a completed")
	}

	complete(t, q, "a")

	got := mustNext(t, q)
	if got.ID != "b" {
		t.Fatalf("Next() = %s, want b", got.ID)
	}
	if got.Status != model.StatusAssigned {
		t.Errorf("Status = %q, want assigned", got.Status)
	}
}

func TestDependencyFanIn(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustAdd(t, q, model.Task{ID: "b"})
	mustAdd(t, q, model.Task{ID: "c", Dependencies: []string{"a", "b", "a"}})

	mustNext(t, q)
	mustNext(t, q)
	complete(t, q, "a")
	if c, _ := q.Get("c"); c.Status != model.StatusPending {
		t.Fatalf("c.Status = %q after one dependency, want pending", c.Status)
	}
	complete(t, q, "b")
	if c, _ := q.Get("c"); c.Status != model.StatusReady {
		t.Fatalf("c.Status = %q after both dependencies, want ready", c.Status)
	}
}

func TestDependencyAlreadyCompleted(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustNext(t, q)
	complete(t, q, "a")

	b := mustAdd(t, q, model.Task{ID: "b", Dependencies: []string{"a"}})
	if b.Status != model.StatusReady {
		t.Errorf("b.Status = %q, want ready", b.Status)
	}
}

func TestUnknownDependencyStaysPending(t *testing.T) {
	q := New(testLogger())
	task := mustAdd(t, q, model.Task{ID: "b", Dependencies: []string{"ghost"}})
	if task.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if _, ok := q.Next(); ok {
		t.Error("task with unmet dependency was handed out")
	}
}

func TestFailureCascadesToDependents(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustAdd(t, q, model.Task{ID: "b", Dependencies: []string{"a"}})
	mustAdd(t, q, model.Task{ID: "c", Dependencies: []string{"b"}})
	mustAdd(t, q, model.Task{ID: "other"})

	mustNext(t, q)
	if err := q.MarkRunning("a", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed("a", model.Result{ExitCode: 1}, "exit status 1"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"b", "c"} {
		task, _ := q.Get(id)
		if task.Status != model.StatusCancelled {
			t.Errorf("%s.Status = %q, want cancelled", id, task.Status)
		}
		if task.Error == "" {
			t.Errorf("%s.Error is empty", id)
		}
	}
	if other, _ := q.Get("other"); other.Status != model.StatusReady {
		t.Errorf("unrelated task status = %q, want ready", other.Status)
	}

	late := mustAdd(t, q, model.Task{ID: "d", Dependencies: []string{"a"}})
	if late.Status != model.StatusCancelled {
		t.Errorf("late dependent status = %q, want cancelled", late.Status)
	}
}

func TestTimeoutRecordsStatus(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustNext(t, q)
	_ = q.MarkRunning("a", "w1")
	if err := q.MarkTimedOut("a", model.Result{ExitCode: -1, TimedOut: true}); err != nil {
		t.Fatal(err)
	}
	task, _ := q.Get("a")
	if task.Status != model.StatusTimeout {
		t.Errorf("Status = %q, want timeout", task.Status)
	}
	if task.Result == nil || !task.Result.TimedOut {
		t.Error("Result.TimedOut not recorded")
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustNext(t, q)
	complete(t, q, "a")
	first, _ := q.Get("a")

	err := q.MarkCompleted("a", model.Result{Success: false, Stdout: "second"})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second MarkCompleted error = %v, want ErrInvalidTransition", err)
	}
	if err := q.MarkFailed("a", model.Result{}, "late"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("MarkFailed after completion error = %v, want ErrInvalidTransition", err)
	}

	after, _ := q.Get("a")
	if after.Status != model.StatusCompleted || after.Result.Stdout != first.Result.Stdout {
		t.Errorf("task changed by repeated result: %+v", after)
	}
}

func TestUnknownTaskIsNoop(t *testing.T) {
	q := New(testLogger())
	if err := q.MarkCompleted("ghost", model.Result{}); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("MarkCompleted error = %v, want ErrUnknownTask", err)
	}
	if err := q.Requeue("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Requeue error = %v, want ErrUnknownTask", err)
	}
	if err := q.Cancel("ghost", ""); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Cancel error = %v, want ErrUnknownTask", err)
	}
}

func TestRequeueKeepsOrder(t *testing.T) {
	q := New(testLogger())
	ts := time.Now()
	mustAdd(t, q, model.Task{ID: "first", CreatedAt: ts})
	mustAdd(t, q, model.Task{ID: "second", CreatedAt: ts})

	got := mustNext(t, q)
	if err := q.Requeue(got.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if next := mustNext(t, q); next.ID != "first" {
		t.Errorf("Next() after requeue = %s, want first", next.ID)
	}
}

func TestRequeueRequiresAssigned(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	if err := q.Requeue("a"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Requeue of ready task error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancel(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustAdd(t, q, model.Task{ID: "b", Dependencies: []string{"a"}})

	if err := q.Cancel("a", "user request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := q.Next(); ok {
		t.Error("cancelled task still handed out")
	}
	b, _ := q.Get("b")
	if b.Status != model.StatusCancelled {
		t.Errorf("dependent status = %q, want cancelled", b.Status)
	}
}

func TestCancelRunningRejected(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustNext(t, q)
	_ = q.MarkRunning("a", "w1")
	if err := q.Cancel("a", ""); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Cancel(running) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCountsAndPrune(t *testing.T) {
	q := New(testLogger())
	mustAdd(t, q, model.Task{ID: "a"})
	mustAdd(t, q, model.Task{ID: "b", Dependencies: []string{"a"}})
	mustNext(t, q)
	complete(t, q, "a")

	counts := q.Counts()
	if counts[model.StatusCompleted] != 1 || counts[model.StatusReady] != 1 {
		t.Errorf("Counts() = %v", counts)
	}

	if ids := q.Prune(time.Now().Add(time.Minute)); len(ids) != 1 {
		t.Fatalf("Prune() = %v, want one id", ids)
	}
	if _, ok := q.Get("a"); ok {
		t.Error("pruned task still present")
	}

	late := mustAdd(t, q, model.Task{ID: "c", Dependencies: []string{"a"}})
	if late.Status != model.StatusReady {
		t.Errorf("dependent of pruned completed task status = %q, want ready", late.Status)
	}
}

func TestObserverSeesTransitionsInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	q := New(testLogger(), WithObserver(func(task model.Task) {
		mu.Lock()
		seen = append(seen, task.ID+":"+task.Status)
		mu.Unlock()
	}))

	mustAdd(t, q, model.Task{ID: "a"})
	mustNext(t, q)
	complete(t, q, "a")

	want := []string{"a:pending", "a:ready", "a:assigned", "a:running", "a:completed"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("observer saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	q := New(testLogger())
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := q.Add(model.Task{Command: "true", Priority: i % 10}); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	lastPriority := 10
	for {
		task, ok := q.Next()
		if !ok {
			break
		}
		if seen[task.ID] {
			t.Fatalf("task %s handed out twice", task.ID)
		}
		seen[task.ID] = true
		if task.Priority > lastPriority {
			t.Fatalf("priority %d handed out after %d", task.Priority, lastPriority)
		}
		lastPriority = task.Priority
	}
	if len(seen) != producers*perProducer {
		t.Errorf("handed out %d tasks, want %d", len(seen), producers*perProducer)
	}
}
