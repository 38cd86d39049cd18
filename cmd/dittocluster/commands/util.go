package commands

import (
	"context"
	"fmt"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/config"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		NodeID: cfg.Node.ID,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadConfig loads the configuration selected by --config and initializes
// the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the configured shared state store as this node.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return cfg.Store.Open(ctx, cfg.Node.ID, cfg.Node.Members)
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
