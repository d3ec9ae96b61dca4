// Package native runs tasks as child processes of the coordinator host.
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
)

// BackendName is the name reported in capabilities.
const BackendName = "process"

// DefaultKillGrace is how long to wait for output pipes to drain after the
// process group has been killed.
const DefaultKillGrace = 2 * time.Second

// Config holds configuration for the native backend.
type Config struct {
	// ScratchRoot is where per-task scratch directories are created.
	ScratchRoot string

	// KillGrace bounds the wait for output after a kill.
	KillGrace time.Duration

	// MaxConcurrency is advertised in capabilities.
	MaxConcurrency int
}

// Backend implements backend.Backend by spawning processes.
type Backend struct {
	cfg       Config
	artifacts *backend.ArtifactCollector
	logger    *slog.Logger
}

// New creates a native backend. artifacts may be nil.
func New(cfg Config, artifacts *backend.ArtifactCollector, logger *slog.Logger) *Backend {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Backend{cfg: cfg, artifacts: artifacts, logger: logger}
}

// Execute runs the task in its own process group and kills the whole group
// when ctx ends.
func (b *Backend) Execute(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
	start := time.Now()

	scratch, err := backend.NewScratchDir(b.cfg.ScratchRoot, spec.ID)
	if err != nil {
		return backend.TaskResult{}, err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			b.logger.Warn("remove scratch dir", "task_id", spec.ID, "error", err)
		}
	}()

	argv := spec.Argv()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = scratch
	}
	cmd.Env = append(os.Environ(), backend.TaskEnv(spec, scratch)...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = b.cfg.KillGrace

	stdout := backend.NewStreamWriter(spec.LogWriter)
	stderr := backend.NewStreamWriter(spec.LogWriter)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	activeProcesses.Inc()
	runErr := cmd.Run()
	activeProcesses.Dec()
	stdout.Flush()
	stderr.Flush()

	res := backend.TaskResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case killedByContext(ctx.Err(), cmd.ProcessState):
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.Stderr += fmt.Sprintf("\ntask killed: timeout after %s", spec.Timeout)
			processesTotal.WithLabelValues(outcomeTimeout).Inc()
		} else {
			res.Stderr += "\ntask killed: cancelled"
			processesTotal.WithLabelValues(outcomeFailed).Inc()
		}
	case runErr == nil:
		processesTotal.WithLabelValues(outcomeSuccess).Inc()
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		processesTotal.WithLabelValues(outcomeFailed).Inc()
	case errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
		if res.ExitCode == 0 {
			processesTotal.WithLabelValues(outcomeSuccess).Inc()
		} else {
			processesTotal.WithLabelValues(outcomeFailed).Inc()
		}
	default:
		processesTotal.WithLabelValues(outcomeFailed).Inc()
		return backend.TaskResult{}, fmt.Errorf("start %q: %w", argv[0], runErr)
	}

	if !res.TimedOut {
		arts, err := b.artifacts.Collect(spec.ID, scratch, spec.Artifacts)
		if err != nil {
			b.logger.Warn("collect artifacts", "task_id", spec.ID, "error", err)
		}
		res.Artifacts = arts
	}

	b.logger.Debug("process exited",
		"task_id", spec.ID,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// killedByContext reports whether ctx ended the process. A process that
// exited on its own as the deadline fired keeps its real outcome.
func killedByContext(ctxErr error, state *os.ProcessState) bool {
	if ctxErr == nil {
		return false
	}
	return state == nil || !state.Exited()
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           BackendName,
		Kind:           model.BackendNative,
		Description:    "host processes in their own process group",
		MaxConcurrency: b.cfg.MaxConcurrency,
	}
}

// Cleanup is a no-op: Execute releases everything before returning.
func (b *Backend) Cleanup(_ context.Context, _ string) error {
	return nil
}
