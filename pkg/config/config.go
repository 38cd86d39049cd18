package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/dittocluster/pkg/api"
	"github.com/marmos91/dittocluster/pkg/bufpool"
	"github.com/marmos91/dittocluster/pkg/cluster/store/badger"
	"github.com/marmos91/dittocluster/pkg/cluster/store/postgres"
	"github.com/marmos91/dittocluster/pkg/workerpool"
)

// Store types.
const (
	StoreTypeMemory   = "memory"
	StoreTypeBadger   = "badger"
	StoreTypePostgres = "postgres"
)

// Config is the configuration of one cluster node.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOCLUSTER_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics controls Prometheus metrics collection, served on the API /metrics route
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API configures the HTTP server (health, metrics, state inspection)
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Node identifies this node and its peers
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// Store selects and configures the shared file state store
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// OpLock configures the oplock break scanner
	OpLock OpLockConfig `mapstructure:"oplock" yaml:"oplock"`

	// Packets configures request buffers and their leases
	Packets PacketsConfig `mapstructure:"packets" yaml:"packets"`

	// Workers sizes the request thread pool
	Workers workerpool.Config `mapstructure:"workers" yaml:"workers"`

	// Tasks controls remote task debug output
	Tasks TasksConfig `mapstructure:"tasks" yaml:"tasks"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig controls Prometheus metrics.
// When Enabled is false, metrics are collected but not registered or served.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	// ID is this node's identifier. Default: the host name.
	ID string `mapstructure:"id" validate:"required" yaml:"id"`

	// Members lists every node of the cluster, including this one.
	// Only the memory store uses it to build its ring.
	Members []string `mapstructure:"members" yaml:"members,omitempty"`

	// Debug enables per-node state debug logs.
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// StoreConfig selects the shared file state store.
type StoreConfig struct {
	// Type is one of memory, badger, postgres.
	// Default: memory
	Type string `mapstructure:"type" validate:"required,oneof=memory badger postgres" yaml:"type"`

	// MapName names the distributed map.
	// Default: fileStates
	MapName string `mapstructure:"map_name" validate:"required" yaml:"map_name"`

	// Badger configures the badger store. Required when Type is badger.
	Badger *badger.Config `mapstructure:"badger" validate:"required_if=Type badger" yaml:"badger,omitempty"`

	// Postgres configures the postgres store. Required when Type is postgres.
	Postgres *postgres.Config `mapstructure:"postgres" validate:"required_if=Type postgres" yaml:"postgres,omitempty"`
}

// OpLockConfig configures oplock break handling.
type OpLockConfig struct {
	// BreakTimeout is how long a break may stay unacknowledged before the
	// parked requests are failed. Reloadable.
	// Default: 35s
	BreakTimeout time.Duration `mapstructure:"break_timeout" validate:"gt=0" yaml:"break_timeout"`

	// ScanInterval is the scanner tick.
	// Default: 1s
	ScanInterval time.Duration `mapstructure:"scan_interval" validate:"gt=0" yaml:"scan_interval"`

	// DeferredLease is the lease extension given to parked packets each tick.
	// Default: 5s
	DeferredLease time.Duration `mapstructure:"deferred_lease" validate:"gt=0" yaml:"deferred_lease"`
}

// PacketsConfig configures request buffers.
type PacketsConfig struct {
	// LeaseTime is the lease of a newly allocated packet.
	// Default: 30s
	LeaseTime time.Duration `mapstructure:"lease_time" validate:"gt=0" yaml:"lease_time"`

	// ReapInterval is how often expired packets are reclaimed.
	// Default: 5s
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"gt=0" yaml:"reap_interval"`

	// Buffers sizes the buffer pool tiers.
	Buffers bufpool.Config `mapstructure:"buffers" yaml:"buffers"`
}

// TasksConfig controls remote task debugging.
type TasksConfig struct {
	Debug       bool `mapstructure:"debug" yaml:"debug"`
	TimingDebug bool `mapstructure:"timing_debug" yaml:"timing_debug"`
}

// Load loads configuration from file, environment, and defaults.
//
// A missing configuration file is not an error: defaults are used, with
// environment overrides applied.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold the postgres password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOCLUSTER_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOCLUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys registers the keys viper must look up in the environment even
// when the config file does not mention them.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"shutdown_timeout",
		"metrics.enabled",
		"api.address", "api.port",
		"node.id", "node.debug",
		"store.type", "store.map_name",
		"store.badger.path", "store.badger.in_memory",
		"store.postgres.host", "store.postgres.port", "store.postgres.database",
		"store.postgres.user", "store.postgres.password", "store.postgres.ssl_mode",
		"oplock.break_timeout", "oplock.scan_interval",
		"workers.count", "workers.queue_size",
	} {
		_ = v.BindEnv(key)
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/dittocluster, ~/.config/dittocluster,
// or "." when the home directory is unknown.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittocluster")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittocluster")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
