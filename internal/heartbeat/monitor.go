// Package heartbeat evicts workers that stopped sending heartbeats and
// prunes old task records on a fixed schedule.
package heartbeat

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/worker"
)

// Defaults for Config fields left at zero.
const (
	DefaultPeriod  = 30 * time.Second
	DefaultTimeout = 60 * time.Second
)

var evictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "forge_worker_evictions_total",
		Help: "Total number of workers evicted for missing heartbeats.",
	},
)

func init() {
	prometheus.MustRegister(evictionsTotal)
}

// Config controls the monitor schedule.
type Config struct {
	// Period is how often the sweep runs.
	Period time.Duration
	// Timeout is how long a worker may stay silent before eviction.
	Timeout time.Duration
	// Retention is how long terminal task records are kept in memory. The
	// prune job only runs when both Retention and Prune are set.
	Retention time.Duration
	// Prune drops task records finished before the cutoff and returns how
	// many it removed.
	Prune func(before time.Time) int
}

// Monitor runs the eviction sweep and the optional prune job.
type Monitor struct {
	registry  *worker.Registry
	cfg       Config
	logger    *slog.Logger
	scheduler gocron.Scheduler
	now       func() time.Time
}

// NewMonitor creates a monitor over registry. Start must be called to
// schedule its jobs.
func NewMonitor(registry *worker.Registry, cfg Config, logger *slog.Logger) (*Monitor, error) {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Monitor{
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		scheduler: s,
		now:       time.Now,
	}, nil
}

// Start registers the jobs and starts the scheduler.
func (m *Monitor) Start() error {
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(m.cfg.Period),
		gocron.NewTask(func() { m.Sweep() }),
		gocron.WithName("heartbeat-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}

	if m.cfg.Retention > 0 && m.cfg.Prune != nil {
		if _, err := m.scheduler.NewJob(
			gocron.DurationJob(m.cfg.Period),
			gocron.NewTask(func() { m.PruneOnce() }),
			gocron.WithName("task-prune"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("register prune job: %w", err)
		}
	}

	m.scheduler.Start()
	m.logger.Info("heartbeat monitor started",
		"period", m.cfg.Period.String(),
		"timeout", m.cfg.Timeout.String(),
		"retention", m.cfg.Retention.String(),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (m *Monitor) Stop() error {
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	m.logger.Info("heartbeat monitor stopped")
	return nil
}

// Sweep evicts every worker whose last heartbeat is older than the timeout
// and returns them. Tasks still running on an evicted worker are left to
// finish under their own deadline.
func (m *Monitor) Sweep() []model.Worker {
	evicted := m.registry.CleanupStale(m.cfg.Timeout)
	for _, w := range evicted {
		evictionsTotal.Inc()
		m.logger.Warn("worker evicted",
			"worker_id", w.ID,
			"last_heartbeat", w.LastHeartbeat.Format(time.RFC3339),
			"in_flight_tasks", w.CurrentTasks,
		)
	}
	return evicted
}

// PruneOnce drops task records older than the retention window.
func (m *Monitor) PruneOnce() int {
	if m.cfg.Prune == nil || m.cfg.Retention <= 0 {
		return 0
	}
	return m.cfg.Prune(m.now().Add(-m.cfg.Retention))
}
