// Command forge runs the task coordinator: the HTTP API, the dispatch loop
// and the heartbeat monitor.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/seantiz/forge/internal/agent"
	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/backend/docker"
	"github.com/seantiz/forge/internal/backend/firecracker"
	"github.com/seantiz/forge/internal/backend/native"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/coordinator"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/heartbeat"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

const localWorkerID = "local-worker-1"

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("forge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backends", cfg.Backends,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	backends, shutdown := buildBackends(ctx, cfg, logger)
	defer shutdown()
	if len(backends.Kinds()) == 0 {
		log.Fatalf("no execution backend available")
	}

	eng := engine.NewEngine(backends, db, logger)

	opts := []queue.Option{queue.WithObserver(store.Recorder(db, logger))}
	if cfg.RedisAddr != "" {
		pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      24 * time.Hour,
		}, logger)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		async := events.NewAsync(pub, 1024, logger)
		defer async.Close()
		opts = append(opts, queue.WithObserver(async.Notify))
	}
	q := queue.New(logger, opts...)

	workers := worker.NewRegistry(logger, backends.Kinds()...)
	workers.SetHeartbeatTimeout(cfg.HeartbeatTimeout)
	coord := coordinator.New(q, workers, eng, coordinator.Config{
		IdleBackoffMin: cfg.IdleBackoffMin,
		IdleBackoffMax: cfg.IdleBackoffMax,
		DispatchBatch:  cfg.DispatchBatch,
		OnPrune: func(ids []string) {
			for _, id := range ids {
				eng.Broker().Forget(id)
			}
		},
	}, logger)

	monitor, err := heartbeat.NewMonitor(workers, heartbeat.Config{
		Period:    cfg.HeartbeatPeriod,
		Timeout:   cfg.HeartbeatTimeout,
		Retention: cfg.TaskRetention,
		Prune:     coord.Prune,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create heartbeat monitor: %v", err)
	}
	if err := monitor.Start(); err != nil {
		log.Fatalf("failed to start heartbeat monitor: %v", err)
	}
	defer monitor.Stop()

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(ctx); err != nil {
			logger.Error("coordinator stopped", "error", err)
		}
	}()

	if cfg.LocalWorker {
		go runLocalWorker(ctx, coord, backends, cfg.HeartbeatTimeout/3, logger)
	}

	srv := api.NewServer(cfg.ListenAddr, coord, db, backends, eng.Broker(), api.Options{
		AgentSecret: cfg.AgentSecret,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		stop()
	}

	<-coordDone
	coord.Wait()
	logger.Info("forge: stopped")
}

// buildBackends registers every configured backend that is usable on this
// host. The returned func releases backend resources.
func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend.Registry, func()) {
	reg := backend.NewRegistry()
	artifacts := backend.NewArtifactCollector(cfg.ArtifactDir, logger)
	var shutdowns []func(context.Context)

	for _, kind := range cfg.Backends {
		switch kind {
		case model.BackendNative:
			reg.Register(kind, native.New(native.Config{
				ScratchRoot:    cfg.ScratchDir,
				MaxConcurrency: runtime.NumCPU(),
			}, artifacts, logger))

		case model.BackendContainer:
			b, err := docker.NewFromEnv(docker.Config{
				DefaultImage:   cfg.ContainerImage,
				ScratchRoot:    cfg.ScratchDir,
				MaxConcurrency: runtime.NumCPU(),
			}, artifacts, logger)
			if err != nil {
				logger.Warn("container backend unavailable", "error", err)
				continue
			}
			if err := b.Verify(ctx); err != nil {
				logger.Warn("container backend unavailable", "error", err)
				continue
			}
			reg.Register(kind, b)
			shutdowns = append(shutdowns, b.Shutdown)

		case model.BackendMicroVM:
			b, err := firecracker.NewBackend(firecracker.LoadConfig(), logger)
			if err != nil {
				logger.Warn("microvm backend unavailable", "error", err)
				continue
			}
			if err := b.Verify(); err != nil {
				logger.Warn("microvm backend unavailable", "error", err)
				continue
			}
			reg.Register(kind, b)
			shutdowns = append(shutdowns, b.Shutdown)

		default:
			logger.Warn("unknown backend kind ignored", "kind", kind)
		}
	}

	logger.Info("backends ready", "kinds", reg.Kinds())
	return reg, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, fn := range shutdowns {
			fn(ctx)
		}
	}
}

// runLocalWorker registers this host as a worker and heartbeats it from
// inside the coordinator process.
func runLocalWorker(ctx context.Context, coord *coordinator.Coordinator, backends *backend.Registry, every time.Duration, logger *slog.Logger) {
	kind := model.BackendNative
	if _, err := backends.Resolve(kind); err != nil {
		kind = backends.Kinds()[0]
	}

	host := agent.HostSampler{}
	capacity, err := host.Capacity(ctx)
	if err != nil {
		logger.Error("local worker: read capacity", "error", err)
		return
	}
	capacity.MaxConcurrentTasks = runtime.NumCPU()
	hostname, _ := os.Hostname()

	register := func() bool {
		_, err := coord.RegisterWorker(model.Worker{
			ID:          localWorkerID,
			Hostname:    hostname,
			IPAddress:   "127.0.0.1",
			BackendKind: kind,
			Capacity:    capacity,
		})
		if err != nil {
			logger.Error("local worker: register", "error", err)
			return false
		}
		return true
	}
	if !register() {
		return
	}

	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load, err := host.Load(ctx)
			if err != nil {
				logger.Warn("local worker: read load", "error", err)
				continue
			}
			if err := coord.Heartbeat(localWorkerID, load); err != nil {
				if errors.Is(err, worker.ErrNotFound) {
					register()
					continue
				}
				logger.Warn("local worker: heartbeat", "error", err)
			}
		}
	}
}
