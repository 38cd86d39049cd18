package config

import (
	"os"
	"strings"
	"time"

	"github.com/marmos91/dittocluster/pkg/bufpool"
	"github.com/marmos91/dittocluster/pkg/cluster/oplock"
	"github.com/marmos91/dittocluster/pkg/cluster/pernode"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/node"
	"github.com/marmos91/dittocluster/pkg/workerpool"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	cfg.API.ApplyDefaults()
	applyNodeDefaults(&cfg.Node)
	applyStoreDefaults(&cfg.Store)
	applyOpLockDefaults(&cfg.OpLock)
	applyPacketsDefaults(&cfg.Packets)
	applyWorkersDefaults(&cfg.Workers)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyNodeDefaults names the node after the host and makes sure it is
// listed among the members.
func applyNodeDefaults(cfg *NodeConfig) {
	if cfg.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.ID = strings.ToLower(host)
		}
	}
	if cfg.ID == "" {
		return
	}
	for _, m := range cfg.Members {
		if strings.EqualFold(strings.TrimSpace(m), cfg.ID) {
			return
		}
	}
	cfg.Members = append(cfg.Members, cfg.ID)
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = StoreTypeMemory
	}
	cfg.Type = strings.ToLower(cfg.Type)
	if cfg.MapName == "" {
		cfg.MapName = store.DefaultMapName
	}
	if cfg.Postgres != nil {
		cfg.Postgres.ApplyDefaults()
	}
}

func applyOpLockDefaults(cfg *OpLockConfig) {
	if cfg.BreakTimeout == 0 {
		cfg.BreakTimeout = oplock.DefaultBreakTimeout
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = oplock.DefaultScanInterval
	}
	if cfg.DeferredLease == 0 {
		cfg.DeferredLease = pernode.DefaultLeaseTime
	}
}

func applyPacketsDefaults(cfg *PacketsConfig) {
	if cfg.LeaseTime == 0 {
		cfg.LeaseTime = bufpool.DefaultPacketLease
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = node.DefaultReapInterval
	}
	defaults := bufpool.DefaultConfig()
	if cfg.Buffers.SmallSize == 0 {
		cfg.Buffers.SmallSize = defaults.SmallSize
	}
	if cfg.Buffers.MediumSize == 0 {
		cfg.Buffers.MediumSize = defaults.MediumSize
	}
	if cfg.Buffers.LargeSize == 0 {
		cfg.Buffers.LargeSize = defaults.LargeSize
	}
}

func applyWorkersDefaults(cfg *workerpool.Config) {
	if cfg.Workers == 0 {
		cfg.Workers = workerpool.DefaultWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = workerpool.DefaultQueueSize
	}
}

// GetDefaultConfig returns a Config with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
