package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/walker/internal/adapter"
	"github.com/seantiz/walker/internal/adapter/plugin"
	"github.com/seantiz/walker/internal/adapter/stub"
	"github.com/seantiz/walker/internal/api"
	"github.com/seantiz/walker/internal/config"
	"github.com/seantiz/walker/internal/engine"
	"github.com/seantiz/walker/internal/service"
	"github.com/seantiz/walker/internal/store"
)

const drainTimeout = 30 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.JWTSecret == "" {
		log.Fatal("WALKER_JWT_SECRET is required")
	}

	logger.Info("walker: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"adapter", cfg.Adapter,
	)

	db, err := store.Open(cfg.DBDriver, cfg.DBPath, cfg.DBDSN, logger)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := adapter.NewRegistry()
	reg.Register(plugin.New(cfg.PluginPath, cfg.PluginTimeout, logger))
	reg.Register(&stub.Adapter{})
	if err := reg.SetDefault(cfg.Adapter); err != nil {
		log.Fatalf("unknown adapter: %v", err)
	}

	eng := engine.New(db, reg, logger, engine.Options{
		AdapterName:   cfg.Adapter,
		CredentialRef: cfg.CredentialRef,
		MaxConcurrent: cfg.MaxConcurrentJobs,
	})
	if ids, err := eng.FailOrphans(context.Background()); err != nil {
		log.Fatalf("failed to sweep orphaned jobs: %v", err)
	} else if len(ids) > 0 {
		logger.Warn("marked jobs from a previous run setup_failed", "count", len(ids))
	}

	waiter := engine.NewWaiter(db, eng.Notifier(), cfg.PollInterval, logger)
	svc := service.New(db, eng, waiter, logger, cfg.WaitTimeout)

	srv := api.NewServer(api.Config{
		Addr:         cfg.ListenAddr,
		JWTSecret:    []byte(cfg.JWTSecret),
		PollInterval: cfg.PollInterval,
		WaitTimeout:  cfg.WaitTimeout,
	}, svc, reg, eng.Notifier(), logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("executors still running at exit", "error", err)
	}
}
