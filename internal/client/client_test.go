package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/auth"
	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/coordinator"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, task model.Task, _ model.Worker) model.Result {
	if task.Command == "fail" {
		return model.Result{ExitCode: 2}
	}
	return model.Result{Success: true, Stdout: "ok"}
}

const testSecret = "client-test-secret"

// newCluster starts a real API server backed by an in-memory store.
func newCluster(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	q := queue.New(logger, queue.WithObserver(store.Recorder(s, logger)))
	workers := worker.NewRegistry(logger, model.BackendNative)
	coord := coordinator.New(q, workers, echoExecutor{}, coordinator.Config{
		IdleBackoffMin: 5 * time.Millisecond,
		IdleBackoffMax: 20 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		coord.Wait()
	})

	srv := api.NewServer(":0", coord, s, backend.NewRegistry(), engine.NewLogBroker(), api.Options{AgentSecret: testSecret}, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.GenerateToken(testSecret, "test", role, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func TestClientRoundTrip(t *testing.T) {
	ts := newCluster(t)
	ctx := context.Background()
	agent := New(ts.URL, token(t, auth.RoleAgent))
	user := New(ts.URL, token(t, auth.RoleClient))

	w, err := agent.RegisterWorker(ctx, WorkerRequest{
		ID:          "w1",
		Hostname:    "w1.local",
		BackendKind: model.BackendNative,
		Capacity:    model.Capacity{CPU: 4, Memory: "4G", MaxConcurrentTasks: 2},
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if w.Status != model.WorkerIdle {
		t.Errorf("Status = %q, want idle", w.Status)
	}
	if _, err := agent.Heartbeat(ctx, "w1", model.Load{CPU: 1}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	task, err := user.SubmitTask(ctx, TaskRequest{Command: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if task.Priority != model.DefaultPriority {
		t.Errorf("Priority = %d, want %d", task.Priority, model.DefaultPriority)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := user.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status == model.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	list, err := user.ListTasks(ctx, 10, 0, model.StatusCompleted)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if list.Total != 1 || len(list.Tasks) != 1 {
		t.Errorf("ListTasks = %d/%d, want 1/1", len(list.Tasks), list.Total)
	}

	st, err := user.ClusterStatus(ctx)
	if err != nil {
		t.Fatalf("ClusterStatus: %v", err)
	}
	if st.Workers != 1 || st.CompletedTasks != 1 {
		t.Errorf("ClusterStatus = %+v, want 1 worker and 1 completed", st)
	}

	stats, err := user.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.SuccessRate != 1 {
		t.Errorf("Stats = %+v", stats)
	}

	ws, err := user.Workers(ctx)
	if err != nil || len(ws) != 1 {
		t.Fatalf("Workers() = %v, %v", ws, err)
	}
	if err := agent.UnregisterWorker(ctx, "w1"); err != nil {
		t.Fatalf("UnregisterWorker: %v", err)
	}
}

func TestClientErrors(t *testing.T) {
	ts := newCluster(t)
	ctx := context.Background()

	anon := New(ts.URL, "")
	_, err := anon.Workers(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("anonymous Workers() error = %v, want 401", err)
	}

	user := New(ts.URL, token(t, auth.RoleClient))
	if _, err := user.RegisterWorker(ctx, WorkerRequest{ID: "w", BackendKind: model.BackendNative}); !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Errorf("client RegisterWorker error = %v, want 403", err)
	}
	if _, err := user.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := user.SubmitTask(ctx, TaskRequest{}); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Errorf("empty SubmitTask error = %v, want 400", err)
	}

	agent := New(ts.URL, token(t, auth.RoleAgent))
	if _, err := agent.Heartbeat(ctx, "ghost", model.Load{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Heartbeat(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestDecodeErrorPlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL, "").GetTask(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestStreamLogs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks/t1/logs" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: line %d\n\n", i)
		}
		fmt.Fprint(w, "event: done\ndata: completed\n\n")
		fmt.Fprint(w, "data: after done\n\n")
	}))
	defer ts.Close()

	var lines []string
	err := New(ts.URL, "tok").StreamLogs(context.Background(), "t1", func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	want := []string{"line 0", "line 1", "line 2"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestStreamLogsNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "task not found"})
	}))
	defer ts.Close()

	err := New(ts.URL, "").StreamLogs(context.Background(), "nope", func(string) {})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("StreamLogs error = %v, want ErrNotFound", err)
	}
}
