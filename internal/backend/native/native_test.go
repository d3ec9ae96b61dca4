//go:build unix

package native

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/backend"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	artifactDir := t.TempDir()
	b := New(Config{ScratchRoot: t.TempDir(), KillGrace: 500 * time.Millisecond},
		backend.NewArtifactCollector(artifactDir, logger), logger)
	return b, artifactDir
}

func TestExecuteSuccess(t *testing.T) {
	b, _ := newTestBackend(t)
	res, err := b.Execute(context.Background(), backend.TaskSpec{ID: "t1", Command: "echo hello; echo oops >&2"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	b, _ := newTestBackend(t)
	res, err := b.Execute(context.Background(), backend.TaskSpec{ID: "t1", Command: "echo failing >&2; exit 3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "failing") {
		t.Errorf("Stderr = %q, want it to contain the command's stderr", res.Stderr)
	}
	if res.TimedOut {
		t.Error("TimedOut set for a normal failure")
	}
}

func TestExecuteInjectsEnvironment(t *testing.T) {
	b, _ := newTestBackend(t)
	spec := backend.TaskSpec{
		ID:         "t-env",
		PipelineID: "p1",
		Stage:      "build",
		Env:        map[string]string{"GREETING": "hi"},
		Command:    `echo "$GREETING $TASK_ID $PIPELINE_ID $STAGE"; test -d "$TASK_SCRATCH_DIR"`,
	}
	res, err := b.Execute(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "hi t-env p1 build\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestExecuteWorkingDirectory(t *testing.T) {
	b, _ := newTestBackend(t)
	dir := t.TempDir()
	res, err := b.Execute(context.Background(), backend.TaskSpec{ID: "t1", Command: "pwd", WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestExecuteDirectArgs(t *testing.T) {
	b, _ := newTestBackend(t)
	res, err := b.Execute(context.Background(), backend.TaskSpec{ID: "t1", Command: "echo", Args: []string{"a;b", "$HOME"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "a;b $HOME\n" {
		t.Errorf("Stdout = %q, want arguments passed without a shell", res.Stdout)
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.Execute(context.Background(), backend.TaskSpec{ID: "t1", Args: []string{"/nonexistent/forge-binary"}})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := b.Execute(ctx, backend.TaskSpec{
		ID:      "t-slow",
		Command: "sleep 30 & sleep 30; wait",
		Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Execute took %v, process group was not killed", elapsed)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timeout") {
		t.Errorf("Stderr = %q, want a timeout note", res.Stderr)
	}
}

func TestExecuteRemovesScratchDir(t *testing.T) {
	b, _ := newTestBackend(t)
	res, err := b.Execute(context.Background(), backend.TaskSpec{ID: "t1", Command: `echo "$TASK_SCRATCH_DIR"`})
	if err != nil {
		t.Fatal(err)
	}
	scratch := strings.TrimSpace(res.Stdout)
	if scratch == "" {
		t.Fatal("scratch dir not reported")
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s still exists (err=%v)", scratch, err)
	}
}

func TestExecuteCollectsArtifacts(t *testing.T) {
	b, artifactDir := newTestBackend(t)
	res, err := b.Execute(context.Background(), backend.TaskSpec{
		ID:        "t-art",
		Command:   `mkdir -p "$TASK_SCRATCH_DIR/out" && echo built > "$TASK_SCRATCH_DIR/out/app.bin"`,
		Artifacts: []string{"out/*.bin"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(artifactDir, "t-art", "out", "app.bin")
	if len(res.Artifacts) != 1 || res.Artifacts[0] != want {
		t.Fatalf("Artifacts = %v, want [%s]", res.Artifacts, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "built\n" {
		t.Errorf("artifact content = %q, %v", data, err)
	}
}

func TestExecuteStreamsLines(t *testing.T) {
	b, _ := newTestBackend(t)
	var mu sync.Mutex
	var lines []string
	_, err := b.Execute(context.Background(), backend.TaskSpec{
		ID:      "t1",
		Command: "echo one; echo two",
		LogWriter: func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Errorf("streamed lines = %q", lines)
	}
}

func TestKilledByContext(t *testing.T) {
	exited := exec.Command("true")
	if err := exited.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	failed := exec.Command("sh", "-c", "exit 3")
	_ = failed.Run()
	signalled := exec.Command("sh", "-c", "kill -9 $$")
	_ = signalled.Run()

	tests := []struct {
		name   string
		ctxErr error
		state  *os.ProcessState
		want   bool
	}{
		{"live context", nil, signalled.ProcessState, false},
		{"exit 0 at deadline", context.DeadlineExceeded, exited.ProcessState, false},
		{"exit 3 at deadline", context.DeadlineExceeded, failed.ProcessState, false},
		{"signalled at deadline", context.DeadlineExceeded, signalled.ProcessState, true},
		{"never waited", context.Canceled, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := killedByContext(tt.ctxErr, tt.state); got != tt.want {
				t.Errorf("killedByContext() = %v, want %v", got, tt.want)
			}
		})
	}
}
