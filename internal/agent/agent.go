// Package agent runs on a worker host. It registers the host with the
// coordinator and keeps it alive with periodic heartbeats.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/forge/internal/auth"
	"github.com/seantiz/forge/internal/client"
	"github.com/seantiz/forge/internal/model"
)

// registerBackoff is the first wait after a failed registration.
var registerBackoff = time.Second

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultTokenTTL          = time.Hour
	maxRegisterBackoff       = 30 * time.Second
)

// Config describes the worker an agent announces.
type Config struct {
	CoordinatorURL     string
	ID                 string
	Hostname           string
	IPAddress          string
	Port               int
	BackendKind        string
	MaxConcurrentTasks int
	Tags               []string

	// CPU and Memory override the sampled capacity when set.
	CPU    float64
	Memory string

	// Secret signs the agent's bearer tokens. Empty sends none.
	Secret            string
	HeartbeatInterval time.Duration
	TokenTTL          time.Duration
}

// Agent registers a worker and heartbeats until stopped.
type Agent struct {
	cfg     Config
	client  *client.Client
	sampler Sampler
	logger  *slog.Logger

	tokenExpiry time.Time
}

// New validates cfg, fills defaults and builds an agent. A nil sampler
// reads the local host.
func New(cfg Config, sampler Sampler, logger *slog.Logger) (*Agent, error) {
	if cfg.CoordinatorURL == "" {
		return nil, fmt.Errorf("%w: coordinator url is required", model.ErrInvalidConfig)
	}
	if cfg.BackendKind == "" {
		cfg.BackendKind = model.BackendNative
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()
	}
	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w", err)
		}
		cfg.Hostname = host
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if sampler == nil {
		sampler = HostSampler{}
	}
	return &Agent{
		cfg:     cfg,
		client:  client.New(cfg.CoordinatorURL, ""),
		sampler: sampler,
		logger:  logger.With("worker_id", cfg.ID),
	}, nil
}

// ID returns the worker id the agent registers under.
func (a *Agent) ID() string { return a.cfg.ID }

// Run registers the worker, then heartbeats every interval. A heartbeat
// answered with 404 means the coordinator evicted the worker, so it
// registers again. On cancellation the worker is unregistered.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerWithRetry(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.unregister()
			return nil
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil {
				if errors.Is(err, client.ErrNotFound) {
					a.logger.Warn("worker unknown to coordinator, registering again")
					if err := a.registerWithRetry(ctx); err != nil {
						return err
					}
					continue
				}
				a.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	backoff := registerBackoff
	for {
		err := a.register(ctx)
		if err == nil {
			return nil
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return fmt.Errorf("register worker: %w", err)
		}
		a.logger.Warn("register failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRegisterBackoff)
	}
}

func (a *Agent) register(ctx context.Context) error {
	capacity, err := a.sampler.Capacity(ctx)
	if err != nil {
		return err
	}
	if a.cfg.CPU > 0 {
		capacity.CPU = a.cfg.CPU
	}
	if a.cfg.Memory != "" {
		capacity.Memory = a.cfg.Memory
	}
	capacity.MaxConcurrentTasks = a.cfg.MaxConcurrentTasks

	if err := a.refreshToken(); err != nil {
		return err
	}
	w, err := a.client.RegisterWorker(ctx, client.WorkerRequest{
		ID:          a.cfg.ID,
		Hostname:    a.cfg.Hostname,
		IPAddress:   a.cfg.IPAddress,
		Port:        a.cfg.Port,
		BackendKind: a.cfg.BackendKind,
		Capacity:    capacity,
		Tags:        a.cfg.Tags,
	})
	if err != nil {
		return err
	}
	a.logger.Info("worker registered",
		"backend_kind", w.BackendKind,
		"cpu", w.Capacity.CPU,
		"memory", w.Capacity.Memory,
		"max_concurrent_tasks", w.Capacity.MaxConcurrentTasks,
	)
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	load, err := a.sampler.Load(ctx)
	if err != nil {
		return err
	}
	if err := a.refreshToken(); err != nil {
		return err
	}
	_, err = a.client.Heartbeat(ctx, a.cfg.ID, load)
	return err
}

func (a *Agent) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.refreshToken(); err != nil {
		a.logger.Error("unregister", "error", err)
		return
	}
	if err := a.client.UnregisterWorker(ctx, a.cfg.ID); err != nil && !errors.Is(err, client.ErrNotFound) {
		a.logger.Error("unregister", "error", err)
		return
	}
	a.logger.Info("worker unregistered")
}

// refreshToken signs a new agent token when the current one is close to
// expiry.
func (a *Agent) refreshToken() error {
	if a.cfg.Secret == "" {
		return nil
	}
	if time.Until(a.tokenExpiry) > a.cfg.TokenTTL/4 {
		return nil
	}
	tok, err := auth.GenerateToken(a.cfg.Secret, a.cfg.ID, auth.RoleAgent, a.cfg.TokenTTL)
	if err != nil {
		return err
	}
	a.client.Token = tok
	a.tokenExpiry = time.Now().Add(a.cfg.TokenTTL)
	return nil
}
