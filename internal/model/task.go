package model

import (
	"errors"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusReady     = "ready"
	StatusAssigned  = "assigned"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Task defaults applied by the API when a submission omits them.
const (
	DefaultCPU      = 1.0
	DefaultMemory   = "1G"
	DefaultDisk     = "10G"
	DefaultTimeoutS = 3600
	DefaultPriority = 5
)

// ErrInvalidTransition is returned when a task is moved to a status its
// current status does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusReady:     true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusAssigned:  true,
		StatusCancelled: true,
	},
	StatusAssigned: {
		StatusRunning: true,
		StatusReady:   true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Resources is the resource request of a task. Memory and Disk are size
// strings understood by ParseSize.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory string  `json:"memory"`
	Disk   string  `json:"disk,omitempty"`
}

// Result is the outcome of one task execution.
type Result struct {
	Success       bool     `json:"success"`
	ExitCode      int      `json:"exit_code"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	Artifacts     []string `json:"artifacts,omitempty"`
	ExecutionTime float64  `json:"execution_time"`
	TimedOut      bool     `json:"timed_out,omitempty"`
}

// Task is a unit of work submitted to the coordinator.
type Task struct {
	ID           string            `json:"task_id"`
	PipelineID   string            `json:"pipeline_id"`
	StageName    string            `json:"stage_name"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	WorkingDir   string            `json:"working_directory,omitempty"`
	Env          map[string]string `json:"environment,omitempty"`
	Resources    Resources         `json:"resources"`
	TimeoutS     int               `json:"timeout_seconds"`
	Priority     int               `json:"priority"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	Image        string            `json:"image,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	Status      string     `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Timeout returns the execution deadline of the task, falling back to
// DefaultTimeoutS when unset.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutS <= 0 {
		return DefaultTimeoutS * time.Second
	}
	return time.Duration(t.TimeoutS) * time.Second
}

// Clone returns a deep copy so snapshots handed out of a lock stay immutable.
func (t Task) Clone() Task {
	c := t
	c.Args = cloneStrings(t.Args)
	c.Dependencies = cloneStrings(t.Dependencies)
	c.Artifacts = cloneStrings(t.Artifacts)
	c.Tags = cloneStrings(t.Tags)
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Result != nil {
		r := *t.Result
		r.Artifacts = cloneStrings(t.Result.Artifacts)
		c.Result = &r
	}
	return c
}

// LogLine is a single persisted output line from a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
