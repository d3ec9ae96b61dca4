package model

import "time"

// Worker status constants.
const (
	WorkerIdle    = "idle"
	WorkerBusy    = "busy"
	WorkerOffline = "offline"
	WorkerError   = "error"
)

// Backend kinds a worker can declare.
const (
	BackendContainer = "container"
	BackendNative    = "native"
	BackendMicroVM   = "microvm"
)

// BusyThreshold is the load percentage above which a worker stops taking tasks.
const BusyThreshold = 90.0

// Capacity is what a worker declares it can run.
type Capacity struct {
	CPU                float64 `json:"cpu"`
	Memory             string  `json:"memory"`
	Disk               string  `json:"disk,omitempty"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
}

// Load is the resource usage a worker reports with each heartbeat.
type Load struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

// Worker is a registered execution node.
type Worker struct {
	ID             string    `json:"worker_id"`
	Hostname       string    `json:"hostname"`
	IPAddress      string    `json:"ip_address"`
	Port           int       `json:"port"`
	BackendKind    string    `json:"backend_kind"`
	Capacity       Capacity  `json:"capacity"`
	Load           Load      `json:"current_load"`
	Status         string    `json:"status"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	CurrentTasks   []string  `json:"current_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	TotalRuntime   float64   `json:"total_runtime"`
	Tags           []string  `json:"tags,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// LoadPercent is the reported cpu load as a share of declared cpu capacity.
// A worker without cpu capacity counts as fully loaded.
func (w *Worker) LoadPercent() float64 {
	if w.Capacity.CPU <= 0 {
		return 100
	}
	return w.Load.CPU / w.Capacity.CPU * 100
}

// HasTags reports whether the worker carries every tag in want.
func (w *Worker) HasTags(want []string) bool {
	for _, t := range want {
		found := false
		for _, have := range w.Tags {
			if have == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
