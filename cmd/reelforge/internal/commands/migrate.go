package commands

import (
	"context"
	"fmt"

	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/internal/storage/postgres"
	"github.com/sirupsen/logrus"
)

// MigrateCmd applies schema migrations
type MigrateCmd struct{}

func (m *MigrateCmd) Run(globals *Globals) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if !cfg.UsePostgres() {
		// The SQLite schema is created when the store opens
		store, err := storage.NewStore(cfg.DBPath)
		if err != nil {
			return err
		}
		logrus.WithField("db_path", cfg.DBPath).Info("SQLite schema is up to date")
		return store.Close()
	}

	pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{ConnString: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logrus.Info("PostgreSQL migrations applied")
	return nil
}
