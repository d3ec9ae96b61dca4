// Command forge-agent registers this host as a forge worker and keeps it
// alive with heartbeats.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/forge/internal/agent"
	"github.com/seantiz/forge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("FORGE_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "forge-agent",
		Short:        "Run a forge worker agent",
		Long:         `forge-agent announces this host's capacity to a forge coordinator and reports its load until stopped. Every flag can also be set as FORGE_AGENT_<FLAG>.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := config.NewLogger(os.Stdout, config.ParseLogLevel(v.GetString("log-level")))

			a, err := agent.New(agent.Config{
				CoordinatorURL:     v.GetString("coordinator"),
				ID:                 v.GetString("id"),
				Hostname:           v.GetString("hostname"),
				IPAddress:          v.GetString("ip"),
				Port:               v.GetInt("port"),
				BackendKind:        v.GetString("backend"),
				MaxConcurrentTasks: v.GetInt("max-tasks"),
				Tags:               v.GetStringSlice("tags"),
				CPU:                v.GetFloat64("cpu"),
				Memory:             v.GetString("memory"),
				Secret:             v.GetString("secret"),
				HeartbeatInterval:  v.GetDuration("heartbeat-interval"),
			}, agent.HostSampler{DiskPath: v.GetString("disk-path")}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("forge-agent: starting", "worker_id", a.ID(), "coordinator", v.GetString("coordinator"))
			return a.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("coordinator", "http://localhost:8080", "coordinator base URL")
	f.String("id", "", "worker id (random when empty)")
	f.String("hostname", "", "advertised hostname (os hostname when empty)")
	f.String("ip", "", "advertised IP address")
	f.Int("port", 0, "advertised port")
	f.String("backend", "native", "backend kind: native, container or microvm")
	f.Int("max-tasks", 1, "maximum concurrent tasks")
	f.StringSlice("tags", nil, "worker tags")
	f.Float64("cpu", 0, "cpu capacity override")
	f.String("memory", "", "memory capacity override, e.g. 8G")
	f.String("disk-path", "/", "filesystem whose capacity is reported")
	f.String("secret", "", "shared secret used to sign agent tokens")
	f.Duration("heartbeat-interval", 0, "heartbeat interval (default 10s)")
	f.String("log-level", "info", "log level")
	_ = v.BindPFlags(f)
	return cmd
}
