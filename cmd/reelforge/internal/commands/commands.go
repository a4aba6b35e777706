// Package commands implements the reelforge CLI subcommands.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rossigee/reelforge/internal/config"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/internal/storage/postgres"
	"github.com/sirupsen/logrus"
)

// Globals are flags shared by every subcommand
type Globals struct {
	EnvFile []string
	Debug   bool
	Version string
}

// setup loads env files and configuration, then configures logging
func (g *Globals) setup() (*config.Config, error) {
	if err := config.LoadDotEnv(g.EnvFile...); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	configureLogging(cfg, g.Debug)
	return cfg, nil
}

func configureLogging(cfg *config.Config, debug bool) {
	if cfg.IsProduction() {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetLevel(logrus.InfoLevel)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// openBackend opens PostgreSQL when DATABASE_URL names it, SQLite otherwise
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.UsePostgres() {
		store, err := postgres.NewStore(ctx, &postgres.PoolConfig{
			ConnString:  cfg.DatabaseURL,
			MaxConns:    cfg.PGMaxConns,
			AutoMigrate: cfg.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL store: %w", err)
		}
		return store, nil
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	return store, nil
}

// configureHTTPServer leaves WriteTimeout unset; event streams stay open
// until the client goes away.
func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    8 * 1024,
	}
}
