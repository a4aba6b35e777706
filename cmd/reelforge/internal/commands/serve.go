package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rossigee/reelforge/internal/api"
	"github.com/rossigee/reelforge/internal/auth"
	"github.com/rossigee/reelforge/internal/config"
	"github.com/rossigee/reelforge/internal/filestore"
	"github.com/rossigee/reelforge/internal/generation"
	"github.com/rossigee/reelforge/internal/jobs"
	"github.com/rossigee/reelforge/internal/metrics"
	"github.com/rossigee/reelforge/internal/minio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const filesRoute = "/files"

// ServeCmd runs the HTTP API with its worker loops
type ServeCmd struct{}

func (s *ServeCmd) Run(globals *Globals) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"version":  globals.Version,
		"env":      cfg.Env,
		"postgres": cfg.UsePostgres(),
		"storage":  cfg.StorageBackend,
	}).Info("Starting reelforge")

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close job store")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	objects, staticDir, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}

	// Wake cycles outlive the requests that kick them
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	dispatcher := jobs.NewDispatcher(workerCtx, m)
	manager := jobs.NewManager(backend, dispatcher, m)

	loopCfg := jobs.LoopConfig{Timeout: cfg.JobTimeout, MaxPerWake: cfg.JobMaxPerWake}
	for _, handler := range generation.NewPipeline(generator, objects, backend).Handlers() {
		manager.Register(handler, loopCfg)
	}

	validator, err := auth.NewValidator(auth.Config{
		JWTSecret:       cfg.JWTSecret,
		JWTIssuer:       cfg.JWTIssuer,
		TokensFile:      cfg.APITokensFile,
		AllowDevToken:   !cfg.IsProduction(),
		AllowQueryToken: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth validator: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger())
	if staticDir != "" {
		router.Static(filesRoute, staticDir)
	}

	handler := api.NewHandler(manager, backend, api.Config{
		Version: globals.Version,
		Stream: api.StreamConfig{
			PollInterval: cfg.StreamPollInterval,
			KeepAlive:    cfg.StreamKeepAlive,
		},
	}, m)
	api.SetupRoutes(router, handler, validator.Middleware(), registry)

	// Request contexts are cancelled when shutdown begins so open event
	// streams end instead of holding Shutdown until its deadline
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := configureHTTPServer(cfg.Addr(), api.WithCORS(router, cfg.CORSOrigins))
	srv.BaseContext = func(net.Listener) context.Context { return requestCtx }
	srv.RegisterOnShutdown(cancelRequests)

	// Pick up jobs queued before a restart
	manager.KickAll()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", srv.Addr).Info("Listening for HTTP connections")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return manager.RunStaleSweeper(gctx, cfg.StaleSweepEvery, cfg.StaleRunningAfter)
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Server forced to shutdown")
		}

		stopWorkers()
		dispatcher.Wait()
		return nil
	})

	err = g.Wait()
	logrus.Info("Server exited")
	return err
}

func openObjectStore(ctx context.Context, cfg *config.Config) (generation.ObjectStore, string, error) {
	if cfg.StorageBackend == config.StorageMinio {
		minioCfg, err := minio.ConfigFromEnv()
		if err != nil {
			return nil, "", err
		}
		client, err := minio.NewClient(minioCfg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to initialize MinIO client: %w", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := client.EnsureBucket(bucketCtx); err != nil {
			return nil, "", err
		}
		return client, "", nil
	}

	files, err := filestore.New(cfg.StoragePath, cfg.PublicBaseURL+filesRoute)
	if err != nil {
		return nil, "", fmt.Errorf("failed to initialize file store: %w", err)
	}
	return files, files.BasePath(), nil
}

func newGenerator(cfg *config.Config) (generation.Generator, error) {
	if cfg.GeneratorURL == "" {
		logrus.Warn("GENERATOR_URL not set, using the synthetic generator")
		return &generation.SyntheticGenerator{Latency: cfg.SyntheticLatency}, nil
	}
	generator, err := generation.NewHTTPGenerator(generation.HTTPOptions{
		BaseURL:        cfg.GeneratorURL,
		APIKey:         cfg.GeneratorAPIKey,
		RequestTimeout: cfg.GeneratorTimeout,
		Retry:          cfg.GeneratorRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator client: %w", err)
	}
	return generator, nil
}
