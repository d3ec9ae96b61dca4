package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"slices"
	"testing"
	"time"
)

var allEnv = []string{
	envListenAddr, envDBPath, envLogLevel, envHeartbeatTimeout, envHeartbeatPeriod,
	envTaskRetention, envIdleBackoffMin, envIdleBackoffMax, envDispatchBatch,
	envScratchDir, envArtifactDir, envBackends, envContainerImage, envLocalWorker,
	envRedisAddr, envRedisPassword, envRedisDB, envAgentSecret, envRateLimit,
	envRateBurst, envCORSOrigins,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.HeartbeatTimeout != 60*time.Second || cfg.HeartbeatPeriod != 30*time.Second {
		t.Errorf("heartbeat = %s/%s, want 60s/30s", cfg.HeartbeatTimeout, cfg.HeartbeatPeriod)
	}
	if cfg.IdleBackoffMin != 50*time.Millisecond || cfg.IdleBackoffMax != 5*time.Second {
		t.Errorf("idle backoff = %s..%s", cfg.IdleBackoffMin, cfg.IdleBackoffMax)
	}
	if cfg.DispatchBatch != defaultDispatchBatch {
		t.Errorf("DispatchBatch = %d", cfg.DispatchBatch)
	}
	if !slices.Equal(cfg.Backends, []string{"native", "container"}) {
		t.Errorf("Backends = %v", cfg.Backends)
	}
	if cfg.ScratchDir != os.TempDir() {
		t.Errorf("ScratchDir = %q, want %q", cfg.ScratchDir, os.TempDir())
	}
	if cfg.LocalWorker || cfg.RedisAddr != "" || cfg.AgentSecret != "" || cfg.RateLimit != 0 {
		t.Errorf("optional integrations enabled by default: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envHeartbeatTimeout, "2m")
	t.Setenv(envIdleBackoffMin, "10ms")
	t.Setenv(envIdleBackoffMax, "1s")
	t.Setenv(envDispatchBatch, "8")
	t.Setenv(envBackends, " native, microvm ,")
	t.Setenv(envLocalWorker, "true")
	t.Setenv(envRedisAddr, "localhost:6379")
	t.Setenv(envRedisDB, "2")
	t.Setenv(envAgentSecret, "k")
	t.Setenv(envRateLimit, "12.5")
	t.Setenv(envRateBurst, "40")

	cfg := Load()

	if cfg.ListenAddr != ":9090" || cfg.DBPath != "/tmp/test.db" {
		t.Errorf("ListenAddr/DBPath = %q/%q", cfg.ListenAddr, cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("HeartbeatTimeout = %s", cfg.HeartbeatTimeout)
	}
	if cfg.IdleBackoffMin != 10*time.Millisecond || cfg.IdleBackoffMax != time.Second {
		t.Errorf("idle backoff = %s..%s", cfg.IdleBackoffMin, cfg.IdleBackoffMax)
	}
	if cfg.DispatchBatch != 8 {
		t.Errorf("DispatchBatch = %d, want 8", cfg.DispatchBatch)
	}
	if !slices.Equal(cfg.Backends, []string{"native", "microvm"}) {
		t.Errorf("Backends = %v", cfg.Backends)
	}
	if !cfg.LocalWorker || cfg.RedisAddr != "localhost:6379" || cfg.RedisDB != 2 || cfg.AgentSecret != "k" {
		t.Errorf("integrations = %+v", cfg)
	}
	if cfg.RateLimit != 12.5 || cfg.RateBurst != 40 {
		t.Errorf("rate = %v/%d", cfg.RateLimit, cfg.RateBurst)
	}
}

func TestLoadMalformedFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv(envHeartbeatPeriod, "soon")
	t.Setenv(envDispatchBatch, "-4")
	t.Setenv(envRateLimit, "fast")
	t.Setenv(envIdleBackoffMin, "2s")
	t.Setenv(envIdleBackoffMax, "1s")

	cfg := Load()
	if cfg.HeartbeatPeriod != defaultHeartbeatPeriod {
		t.Errorf("HeartbeatPeriod = %s", cfg.HeartbeatPeriod)
	}
	if cfg.DispatchBatch != defaultDispatchBatch {
		t.Errorf("DispatchBatch = %d", cfg.DispatchBatch)
	}
	if cfg.RateLimit != 0 {
		t.Errorf("RateLimit = %v", cfg.RateLimit)
	}
	if cfg.IdleBackoffMax != 2*time.Second {
		t.Errorf("IdleBackoffMax = %s, want raised to min", cfg.IdleBackoffMax)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
