package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/adapters/httpremote"
	"github.com/Jaaco/talon/internal/adapters/sqlitestore"
	"github.com/Jaaco/talon/internal/config"
	"github.com/Jaaco/talon/internal/metrics"
	"github.com/Jaaco/talon/internal/replicator"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting talon-sync",
		zap.String("user_id", cfg.UserID),
		zap.String("client_id", cfg.ClientID),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_path", cfg.DBPath))

	m := metrics.New("talon")

	local, err := sqlitestore.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open local store", zap.Error(err))
	}
	if err := local.Init(context.Background()); err != nil {
		logger.Fatal("failed to init local store schema", zap.Error(err))
	}
	logger.Info("local store initialised", zap.String("path", cfg.DBPath))

	server := httpremote.NewServer(logger)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}

	go func() {
		logger.Info("remote log listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("remote log server failed", zap.Error(err))
		}
	}()

	remote := httpremote.NewClient(fmt.Sprintf("http://localhost%s", cfg.ListenAddr), logger)

	replConfig := replicator.DefaultConfig()
	replConfig.BatchSize = cfg.BatchSize
	replConfig.PushDebounce = cfg.PushDebounce
	replConfig.PushImmediately = cfg.PushImmediately
	if cfg.HLCMaxDriftEnabled {
		drift := cfg.HLCMaxDrift
		replConfig.MaxDrift = &drift
	}

	repl := replicator.New(cfg.UserID, cfg.ClientID, local, remote, replicator.NewUUIDGenerator(), replConfig, logger, m)

	ctx := context.Background()
	if err := repl.SetSyncEnabled(ctx, true); err != nil {
		logger.Fatal("failed to enable sync", zap.Error(err))
	}
	if err := repl.StartPeriodicSync(cfg.PeriodicSyncInterval); err != nil {
		logger.Fatal("failed to start periodic sync", zap.Error(err))
	}
	logger.Info("replicator running", zap.Duration("periodic_sync_interval", cfg.PeriodicSyncInterval))

	http.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	_ = repl.Dispose(ctx)
	_ = local.Close()
	_ = httpServer.Close()
	_ = metricsServer.Close()
	logger.Info("shutdown complete")
}
