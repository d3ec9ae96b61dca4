// Package config loads coordinator settings from FORGE_* environment variables.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "forge.db"
	defaultHeartbeatTimeout = 60 * time.Second
	defaultHeartbeatPeriod  = 30 * time.Second
	defaultTaskRetention    = 24 * time.Hour
	defaultIdleBackoffMin   = 50 * time.Millisecond
	defaultIdleBackoffMax   = 5 * time.Second
	defaultDispatchBatch    = 64
	defaultArtifactDir      = "artifacts"
	defaultContainerImage   = "ubuntu:22.04"
	defaultRateBurst        = 20

	envListenAddr       = "FORGE_LISTEN_ADDR"
	envDBPath           = "FORGE_DB_PATH"
	envLogLevel         = "FORGE_LOG_LEVEL"
	envHeartbeatTimeout = "FORGE_HEARTBEAT_TIMEOUT"
	envHeartbeatPeriod  = "FORGE_HEARTBEAT_PERIOD"
	envTaskRetention    = "FORGE_TASK_RETENTION"
	envIdleBackoffMin   = "FORGE_IDLE_BACKOFF_MIN"
	envIdleBackoffMax   = "FORGE_IDLE_BACKOFF_MAX"
	envDispatchBatch    = "FORGE_DISPATCH_BATCH"
	envScratchDir       = "FORGE_SCRATCH_DIR"
	envArtifactDir      = "FORGE_ARTIFACT_DIR"
	envBackends         = "FORGE_BACKENDS"
	envContainerImage   = "FORGE_CONTAINER_IMAGE"
	envLocalWorker      = "FORGE_LOCAL_WORKER"
	envRedisAddr        = "FORGE_REDIS_ADDR"
	envRedisPassword    = "FORGE_REDIS_PASSWORD"
	envRedisDB          = "FORGE_REDIS_DB"
	envAgentSecret      = "FORGE_AGENT_SECRET"
	envRateLimit        = "FORGE_RATE_LIMIT"
	envRateBurst        = "FORGE_RATE_BURST"
	envCORSOrigins      = "FORGE_CORS_ORIGINS"
)

var defaultBackends = []string{"native", "container"}

// Config holds coordinator configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Scheduling.
	HeartbeatTimeout time.Duration
	HeartbeatPeriod  time.Duration
	TaskRetention    time.Duration
	IdleBackoffMin   time.Duration
	IdleBackoffMax   time.Duration
	DispatchBatch    int

	// Execution.
	ScratchDir     string
	ArtifactDir    string
	Backends       []string
	ContainerImage string
	LocalWorker    bool

	// Integrations.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AgentSecret   string
	RateLimit     float64
	RateBurst     int
	CORSOrigins   []string
}

// Load reads configuration from environment variables. Unset or malformed
// values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       envString(envListenAddr, defaultListenAddr),
		DBPath:           envString(envDBPath, defaultDBPath),
		LogLevel:         ParseLogLevel(os.Getenv(envLogLevel)),
		HeartbeatTimeout: envDuration(envHeartbeatTimeout, defaultHeartbeatTimeout),
		HeartbeatPeriod:  envDuration(envHeartbeatPeriod, defaultHeartbeatPeriod),
		TaskRetention:    envDuration(envTaskRetention, defaultTaskRetention),
		IdleBackoffMin:   envDuration(envIdleBackoffMin, defaultIdleBackoffMin),
		IdleBackoffMax:   envDuration(envIdleBackoffMax, defaultIdleBackoffMax),
		DispatchBatch:    envInt(envDispatchBatch, defaultDispatchBatch),
		ScratchDir:       envString(envScratchDir, os.TempDir()),
		ArtifactDir:      envString(envArtifactDir, defaultArtifactDir),
		Backends:         envList(envBackends, defaultBackends),
		ContainerImage:   envString(envContainerImage, defaultContainerImage),
		LocalWorker:      envBool(envLocalWorker),
		RedisAddr:        os.Getenv(envRedisAddr),
		RedisPassword:    os.Getenv(envRedisPassword),
		RedisDB:          envInt(envRedisDB, 0),
		AgentSecret:      os.Getenv(envAgentSecret),
		RateLimit:        envFloat(envRateLimit, 0),
		RateBurst:        envInt(envRateBurst, defaultRateBurst),
		CORSOrigins:      envList(envCORSOrigins, []string{"*"}),
	}
	if cfg.IdleBackoffMax < cfg.IdleBackoffMin {
		cfg.IdleBackoffMax = cfg.IdleBackoffMin
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f >= 0 {
		return f
	}
	return def
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// envList splits a comma separated value, dropping empty items.
func envList(key string, def []string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
