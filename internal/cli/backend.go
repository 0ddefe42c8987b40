package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/arggraph/internal/config"
	"github.com/roach88/arggraph/internal/store"
	"github.com/roach88/arggraph/internal/store/pgstore"
)

// StorageOptions are the storage flags shared by commands that open the
// durable store directly.
type StorageOptions struct {
	Config   string
	Database string
	Postgres string
}

func (o *StorageOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Config, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&o.Postgres, "pg", "", "PostgreSQL URL (overrides config and --db)")
}

// resolve loads the config file, if any, and applies flag overrides.
func (o *StorageOptions) resolve() (config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, CodeConfig, "failed to load config", err)
		}
		cfg = loaded
	}
	if o.Database != "" {
		cfg.Database = o.Database
		cfg.PostgresURL = ""
	}
	if o.Postgres != "" {
		cfg.PostgresURL = o.Postgres
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, CodeConfig, "invalid config", err)
	}
	return cfg, nil
}

// openBackend opens PostgreSQL when configured, SQLite otherwise. With
// mustExist set, a missing SQLite file is an error instead of a new
// database.
func openBackend(ctx context.Context, cfg config.Config, mustExist bool) (store.Backend, error) {
	if cfg.PostgresURL != "" {
		pg, err := pgstore.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, CodeStorage, "failed to open postgres", err)
		}
		return pg, nil
	}
	if mustExist {
		if _, err := os.Stat(cfg.Database); os.IsNotExist(err) {
			return nil, databaseNotFound(cfg.Database)
		}
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, CodeStorage, "failed to open database", err)
	}
	return st, nil
}
