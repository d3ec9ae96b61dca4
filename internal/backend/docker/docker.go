// Package docker runs tasks in containers through the Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
)

// Backend constants.
const (
	// BackendName is the name reported in capabilities.
	BackendName = "docker"

	// DefaultImage is used for tasks that do not name an image.
	DefaultImage = "ubuntu:22.04"

	// ContainerScratchDir is where the task scratch directory is mounted.
	ContainerScratchDir = "/tmp/task"

	// ContainerWorkDir is where the task working directory is mounted.
	ContainerWorkDir = "/workspace"

	// LabelTaskID marks containers created for a task.
	LabelTaskID = "forge.task_id"

	// stopTimeout bounds cleanup calls made after the task context ended.
	stopTimeout = 10 * time.Second

	// logDrainTimeout bounds the wait for the log stream after the container exits.
	logDrainTimeout = 5 * time.Second
)

// ContainerAPI is the subset of the Docker client the backend uses.
// *client.Client satisfies it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// Config holds configuration for the container backend.
type Config struct {
	// DefaultImage is used when a task names no image.
	DefaultImage string

	// ScratchRoot is where per-task scratch directories are created on the host.
	ScratchRoot string

	// NetworkMode is passed to the container host config; empty means the daemon default.
	NetworkMode string

	// MaxConcurrency is advertised in capabilities.
	MaxConcurrency int
}

// Backend implements backend.Backend with Docker containers.
type Backend struct {
	cfg       Config
	api       ContainerAPI
	artifacts *backend.ArtifactCollector
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]string // task id -> container id
}

// New creates a container backend on top of api. artifacts may be nil.
func New(cfg Config, api ContainerAPI, artifacts *backend.ArtifactCollector, logger *slog.Logger) *Backend {
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = DefaultImage
	}
	return &Backend{
		cfg:       cfg,
		api:       api,
		artifacts: artifacts,
		logger:    logger,
		active:    make(map[string]string),
	}
}

// NewFromEnv connects to the daemon described by DOCKER_HOST and friends.
func NewFromEnv(cfg Config, artifacts *backend.ArtifactCollector, logger *slog.Logger) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return New(cfg, cli, artifacts, logger), nil
}

// Verify checks that the daemon is reachable.
func (b *Backend) Verify(ctx context.Context) error {
	if _, err := b.api.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Execute runs the task in a fresh container and removes it afterwards.
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

	ref := spec.Image
	if ref == "" {
		ref = b.cfg.DefaultImage
	}
	cfg, hostCfg := b.containerConfig(spec, ref, scratch)

	id, err := b.create(ctx, spec.ID, ref, cfg, hostCfg)
	if err != nil {
		containersTotal.WithLabelValues(outcomeError).Inc()
		return backend.TaskResult{}, err
	}
	b.track(spec.ID, id)
	defer b.remove(spec.ID, id)

	if err := b.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		containersTotal.WithLabelValues(outcomeError).Inc()
		return backend.TaskResult{}, fmt.Errorf("start container: %w", err)
	}
	activeContainers.Inc()
	defer activeContainers.Dec()

	b.logger.Info("container started", "task_id", spec.ID, "container_id", shortID(id), "image", ref)

	stdout := backend.NewStreamWriter(spec.LogWriter)
	stderr := backend.NewStreamWriter(spec.LogWriter)
	logsDone := b.streamLogs(ctx, id, stdout, stderr)

	res := backend.TaskResult{}
	exited := false
	waitCh, errCh := b.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		exited = true
		res.ExitCode = int(w.StatusCode)
		if w.Error != nil && w.Error.Message != "" {
			b.logger.Warn("container wait reported error", "task_id", spec.ID, "error", w.Error.Message)
		}
	case err := <-errCh:
		if ctx.Err() == nil {
			containersTotal.WithLabelValues(outcomeError).Inc()
			return backend.TaskResult{}, fmt.Errorf("wait for container: %w", err)
		}
	case <-ctx.Done():
	}

	killed := !exited && ctx.Err() != nil
	if killed {
		killCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := b.api.ContainerKill(killCtx, id, "KILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			b.logger.Warn("kill container", "task_id", spec.ID, "error", err)
		}
		cancel()
		res.ExitCode = -1
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	}

	select {
	case <-logsDone:
	case <-time.After(logDrainTimeout):
		b.logger.Warn("log stream did not finish", "task_id", spec.ID)
	}
	stdout.Flush()
	stderr.Flush()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	switch {
	case res.TimedOut:
		res.Stderr += fmt.Sprintf("\ntask killed: timeout after %s", spec.Timeout)
		containersTotal.WithLabelValues(outcomeTimeout).Inc()
	case killed:
		res.Stderr += "\ntask killed: cancelled"
		containersTotal.WithLabelValues(outcomeFailed).Inc()
	case res.ExitCode == 0:
		containersTotal.WithLabelValues(outcomeSuccess).Inc()
	default:
		containersTotal.WithLabelValues(outcomeFailed).Inc()
	}

	if !res.TimedOut {
		arts, err := b.artifacts.Collect(spec.ID, scratch, spec.Artifacts)
		if err != nil {
			b.logger.Warn("collect artifacts", "task_id", spec.ID, "error", err)
		}
		res.Artifacts = arts
	}
	res.Duration = time.Since(start)

	b.logger.Info("container finished",
		"task_id", spec.ID,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (b *Backend) containerConfig(spec backend.TaskSpec, ref, scratch string) (*container.Config, *container.HostConfig) {
	workDir := ContainerScratchDir
	binds := []string{scratch + ":" + ContainerScratchDir}
	if spec.WorkDir != "" {
		binds = append(binds, spec.WorkDir+":"+ContainerWorkDir)
		workDir = ContainerWorkDir
	}

	cfg := &container.Config{
		Image:      ref,
		Cmd:        spec.Argv(),
		Env:        backend.TaskEnv(spec, ContainerScratchDir),
		WorkingDir: workDir,
		Labels:     map[string]string{LabelTaskID: spec.ID},
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPU * 1e9),
			Memory:   spec.MemoryBytes,
		},
	}
	if b.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(b.cfg.NetworkMode)
	}
	return cfg, hostCfg
}

// create creates the container, pulling the image once if it is missing.
func (b *Backend) create(ctx context.Context, taskID, ref string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	resp, err := b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("create container: %w", err)
	}

	b.logger.Info("pulling image", "task_id", taskID, "image", ref)
	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("pull image %s: %w", ref, err)
	}
	_, copyErr := io.Copy(io.Discard, rc)
	rc.Close()
	if copyErr != nil {
		return "", fmt.Errorf("pull image %s: %w", ref, copyErr)
	}

	resp, err = b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

// streamLogs follows the container's output until it exits. The returned
// channel is closed when the stream ends.
func (b *Backend) streamLogs(ctx context.Context, id string, stdout, stderr io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		rc, err := b.api.ContainerLogs(context.WithoutCancel(ctx), id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			b.logger.Warn("attach container logs", "container_id", shortID(id), "error", err)
			return
		}
		defer rc.Close()
		if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
			b.logger.Debug("container log stream ended", "container_id", shortID(id), "error", err)
		}
	}()
	return done
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           BackendName,
		Kind:           model.BackendContainer,
		Description:    "docker containers, default image " + b.cfg.DefaultImage,
		MaxConcurrency: b.cfg.MaxConcurrency,
	}
}

// Cleanup force-removes the container still tracked for taskID, if any.
func (b *Backend) Cleanup(_ context.Context, taskID string) error {
	b.mu.Lock()
	id, ok := b.active[taskID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.remove(taskID, id)
	return nil
}

// Shutdown removes every container still tracked.
func (b *Backend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for taskID := range b.active {
		ids = append(ids, taskID)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Cleanup(ctx, id); err != nil {
			b.logger.Error("shutdown cleanup failed", "task_id", id, "error", err)
		}
	}
}

func (b *Backend) track(taskID, containerID string) {
	b.mu.Lock()
	b.active[taskID] = containerID
	b.mu.Unlock()
}

// remove force-removes a container with a fresh context, since the task's
// context has usually ended by now.
func (b *Backend) remove(taskID, containerID string) {
	b.mu.Lock()
	delete(b.active, taskID)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := b.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		b.logger.Warn("remove container", "task_id", taskID, "container_id", shortID(containerID), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
