package backend

import (
	"fmt"
	"os"
	"sort"
)

// Variables injected into every task environment.
const (
	EnvTaskID     = "TASK_ID"
	EnvPipelineID = "PIPELINE_ID"
	EnvStage      = "STAGE"
	EnvScratchDir = "TASK_SCRATCH_DIR"
)

// TaskEnv returns the task's own variables followed by the injected ones,
// as KEY=VALUE pairs. scratchDir is the scratch path as the task sees it.
// Injected variables come last so they win over task-supplied values.
func TaskEnv(spec TaskSpec, scratchDir string) []string {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+4)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return append(env,
		EnvTaskID+"="+spec.ID,
		EnvPipelineID+"="+spec.PipelineID,
		EnvStage+"="+spec.Stage,
		EnvScratchDir+"="+scratchDir,
	)
}

// NewScratchDir creates a fresh per-task scratch directory under root (the
// system temp dir when root is empty). The caller removes it.
func NewScratchDir(root, taskID string) (string, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", fmt.Errorf("create scratch root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "forge-task-"+sanitize(taskID)+"-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// sanitize keeps ids usable as path components.
func sanitize(id string) string {
	out := []byte(id)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			out[i] = '_'
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}
