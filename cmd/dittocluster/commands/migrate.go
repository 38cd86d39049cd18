package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/pkg/cluster/store/postgres"
	"github.com/marmos91/dittocluster/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the PostgreSQL file state store.

This command applies pending migrations to the database configured under
store.postgres. It is required when store.postgres.auto_migrate is disabled.

Examples:
  # Run migrations with default config
  dittocluster migrate

  # Run migrations with custom config
  dittocluster migrate --config /etc/dittocluster/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Store.Type != config.StoreTypePostgres {
		return fmt.Errorf("migrations only apply to the postgres store (configured: %s)", cfg.Store.Type)
	}

	logger.Info("Running database migrations",
		"host", cfg.Store.Postgres.Host,
		"database", cfg.Store.Postgres.Database)

	if err := postgres.RunMigrations(context.Background(), cfg.Store.Postgres); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
	return nil
}
