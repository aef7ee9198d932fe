package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/egress/internal/config"
	"github.com/edvin/egress/internal/db"
	"github.com/edvin/egress/internal/logging"
	"github.com/edvin/egress/internal/metrics"
	"github.com/edvin/egress/internal/policy"
	"github.com/edvin/egress/internal/reconciler"
	"github.com/edvin/egress/internal/resolver"
	"github.com/edvin/egress/internal/store"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run status database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "egress-controller"
	}
	if err := cfg.Validate("egress-controller"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	reg, err := policy.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load service registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var status reconciler.StatusRecorder
	if cfg.StatusDatabaseURL != "" {
		if *migrateFlag {
			logger.Info().Str("dir", *migrateDirFlag).Msg("running status database migrations")
			if err := db.RunMigrations(cfg.StatusDatabaseURL, *migrateDirFlag); err != nil {
				logger.Fatal().Err(err).Msg("migration failed")
			}
		}
		pool, err := db.NewPool(ctx, cfg.StatusDatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to status database")
		}
		defer pool.Close()
		metrics.RegisterPgxPoolMetrics(pool)
		status = db.NewStatusStore(pool)
	}

	client := store.NewClient(cfg.StoreBaseURL, cfg.StoreToken, logger)
	source := resolver.NewAWSIPRangesSource(logger, cfg.IPRangesURL, cfg.ResolveTimeout)
	res := resolver.New(logger, source, reg, cfg.ResolverTTL)

	rec := reconciler.New(logger, client, client, res, reg, status, reconciler.Config{
		ResyncInterval: cfg.ResyncInterval,
		MaxAttempts:    cfg.MaxAttempts,
		ResolveTimeout: cfg.ResolveTimeout,
		ApplyTimeout:   cfg.ApplyTimeout,
	})

	metricsServer := metrics.NewServer(cfg.MetricsListenAddr)
	go func() {
		logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info().Msg("shutting down")
		metricsServer.Close()
		cancel()
	}()

	if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("reconciler failed")
	}
}
