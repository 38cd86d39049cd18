package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/internal/telemetry"
	"github.com/marmos91/dittocluster/pkg/api"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
	"github.com/marmos91/dittocluster/pkg/config"
	"github.com/marmos91/dittocluster/pkg/node"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a cluster node",
	Long: `Start a dittocluster node in the foreground.

The node opens the configured shared state store, starts its request pool,
the oplock break scanner and the packet lease reaper, and serves the HTTP API
(health, metrics, state inspection) when enabled. Logging level and the oplock
break timeout are reloaded when the configuration file changes.

Examples:
  # Start with default config location
  dittocluster start

  # Start with custom config file
  dittocluster start --config /etc/dittocluster/config.yaml

  # Start with environment variable overrides
  DITTOCLUSTER_LOGGING_LEVEL=DEBUG DITTOCLUSTER_NODE_ID=node-2 dittocluster start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dittocluster",
		ServiceVersion: Version,
		NodeID:         cfg.Node.ID,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dittocluster",
		ServiceVersion: Version,
		NodeID:         cfg.Node.ID,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	logger.Info("Configuration loaded",
		"source", getConfigSource(GetConfigFile()),
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format)

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	n, err := node.New(nodeOptions(cfg, st, registry))
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to create node: %w", err)
	}
	n.Start()
	logger.Info("Node started",
		logger.KeyNodeID, n.ID(),
		"store", cfg.Store.Type,
		logger.KeyMapName, st.Name(),
		"members", cfg.Node.Members)

	apiDone := make(chan error, 1)
	var apiServer *api.Server
	if cfg.API.IsEnabled() {
		var gatherer prometheus.Gatherer
		if registry != nil {
			gatherer = registry
		}
		apiServer = api.NewServer(cfg.API, n, gatherer)
		go func() {
			apiDone <- apiServer.Start(ctx)
		}()
	} else {
		logger.Info("API server disabled")
	}

	if path := watchedConfigPath(); path != "" {
		go func() {
			err := config.Watch(ctx, path, func(next *config.Config) {
				applyReload(n, cfg, next)
			})
			if err != nil {
				logger.Warn("Config watcher stopped", logger.KeyError, err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("Node is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case err := <-apiDone:
		if err != nil {
			logger.Error("API server error", logger.KeyError, err)
			runErr = err
		}
	}
	signal.Stop(sigChan)
	cancel()

	if apiServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := apiServer.Stop(stopCtx); err != nil {
			logger.Warn("API server shutdown error", logger.KeyError, err)
		}
		stopCancel()
	}

	if err := n.Close(cfg.ShutdownTimeout); err != nil {
		logger.Error("Node shutdown reported errors", logger.KeyError, err)
		if runErr == nil {
			runErr = err
		}
	} else {
		logger.Info("Node stopped gracefully")
	}
	return runErr
}

// nodeOptions maps the configuration onto node options.
func nodeOptions(cfg *config.Config, st store.Store, registry *prometheus.Registry) node.Options {
	opts := node.Options{
		ID:            cfg.Node.ID,
		Store:         st,
		Workers:       cfg.Workers,
		Buffers:       &cfg.Packets.Buffers,
		PacketLease:   cfg.Packets.LeaseTime,
		DeferredLease: cfg.OpLock.DeferredLease,
		ReapInterval:  cfg.Packets.ReapInterval,
		BreakTimeout:  cfg.OpLock.BreakTimeout,
		ScanInterval:  cfg.OpLock.ScanInterval,
		Debug:         cfg.Node.Debug,
		TaskOptions: task.Options{
			Debug:       cfg.Tasks.Debug,
			TimingDebug: cfg.Tasks.TimingDebug,
		},
	}
	if registry != nil {
		opts.Registry = registry
	}
	return opts
}

// watchedConfigPath returns the file to watch for reloads, or "" when the
// node runs on defaults only.
func watchedConfigPath() string {
	if path := GetConfigFile(); path != "" {
		return path
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return ""
}

// applyReload applies the settings that can change while the node runs.
// Everything else requires a restart and is reported once.
func applyReload(n *node.Node, current, next *config.Config) {
	if next.Logging.Level != current.Logging.Level {
		logger.SetLevel(next.Logging.Level)
		logger.Info("Log level changed", "from", current.Logging.Level, "to", next.Logging.Level)
		current.Logging.Level = next.Logging.Level
	}

	if next.OpLock.BreakTimeout != current.OpLock.BreakTimeout {
		n.Scanner().SetTimeout(next.OpLock.BreakTimeout)
		logger.Info("Oplock break timeout changed",
			"from", current.OpLock.BreakTimeout,
			"to", next.OpLock.BreakTimeout)
		current.OpLock.BreakTimeout = next.OpLock.BreakTimeout
	}

	if next.Store.Type != current.Store.Type || next.Node.ID != current.Node.ID {
		logger.Warn("Store or node identity changed, restart the node to apply")
	}
}
