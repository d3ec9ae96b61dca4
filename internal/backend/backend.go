package backend

import (
	"context"
	"time"
)

// Backend is the interface that all execution backends must implement.
type Backend interface {
	// Execute runs a task according to spec and returns its result. A
	// non-zero exit code is a result, not an error; errors mean the task
	// could not be run at all. The context carries the task deadline.
	Execute(ctx context.Context, spec TaskSpec) (TaskResult, error)

	// Capabilities reports what this backend provides.
	Capabilities() Capabilities

	// Cleanup releases any resources still held for the given task.
	Cleanup(ctx context.Context, taskID string) error
}

// TaskSpec describes one execution handed to a backend.
type TaskSpec struct {
	ID         string            `json:"id"`
	PipelineID string            `json:"pipeline_id"`
	Stage      string            `json:"stage"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Image      string            `json:"image,omitempty"`

	CPU         float64       `json:"cpu"`
	MemoryBytes int64         `json:"memory_bytes"`
	Timeout     time.Duration `json:"timeout"`

	// Artifacts are glob patterns, relative to the scratch directory, of
	// files to keep after the task finishes.
	Artifacts []string `json:"artifacts,omitempty"`

	// LogWriter is an optional callback that backends invoke with each
	// output line as it is produced.
	LogWriter func(line string) `json:"-"`
}

// Argv returns the process argv for the task. A task without Args runs
// Command through "sh -c".
func (s TaskSpec) Argv() []string {
	if len(s.Args) == 0 {
		return []string{"sh", "-c", s.Command}
	}
	if s.Command == "" {
		return append([]string(nil), s.Args...)
	}
	return append([]string{s.Command}, s.Args...)
}

// TaskResult holds what a backend observed while executing a task.
type TaskResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Description    string `json:"description"`
	MaxConcurrency int    `json:"max_concurrency"`
}
