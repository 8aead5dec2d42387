package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/algorithm"
	"github.com/devrev/quorumkv/internal/client"
	"github.com/devrev/quorumkv/internal/config"
	"github.com/devrev/quorumkv/internal/coordinator"
	"github.com/devrev/quorumkv/internal/health"
	"github.com/devrev/quorumkv/internal/logging"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/router"
	"github.com/devrev/quorumkv/internal/server"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.LoadRouterConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	quorum, err := cfg.Quorum.Resolve()
	if err != nil {
		logger.Fatal("Invalid quorum", zap.Error(err))
	}
	logger.Info("Starting router",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("metadata", cfg.Metadata.Address),
		zap.String("quorum", quorum.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics("quorumkv_router", prometheus.DefaultRegisterer)

	metadataClient := client.NewMetadataClient(cfg.Metadata.Address)
	storageClient := client.NewStorageClient()
	snapshots := router.NewSnapshotCache(metadataClient, cfg.Metadata.RefreshInterval, cfg.Metadata.MaxStaleness, m, logger.Named("snapshots"))

	var hints *coordinator.HintedHandoff
	if cfg.Hints.Enabled {
		hints = coordinator.NewHintedHandoff(coordinator.HintConfig{
			MaxHintsPerNode: cfg.Hints.MaxHintsPerNode,
			TTL:             cfg.Hints.TTL,
			ReplayInterval:  cfg.Hints.ReplayInterval,
			ReplayTimeout:   cfg.Hints.ReplayTimeout,
			MaxRetries:      cfg.Hints.MaxRetries,
		}, storageClient, snapshots.Resolve, m, logger.Named("hints"))
		hints.Start()
	}

	coord, err := coordinator.New(coordinator.Config{
		NodeID:           cfg.Server.NodeID,
		Quorum:           quorum,
		WriteTimeout:     cfg.Quorum.WriteTimeout,
		ReadTimeout:      cfg.Quorum.ReadTimeout,
		ConflictAttempts: cfg.Quorum.ConflictAttempts,
		VersionCacheSize: cfg.Quorum.VersionCacheSize,
	}, storageClient, hints, m, logger.Named("coordinator"))
	if err != nil {
		logger.Fatal("Failed to create coordinator", zap.Error(err))
	}

	repairer := router.NewRepairer(router.RepairConfig{
		Workers:       cfg.Repair.Workers,
		QueueSize:     cfg.Repair.QueueSize,
		RatePerSecond: cfg.Repair.RatePerSecond,
		Burst:         cfg.Repair.Burst,
		Timeout:       cfg.Repair.Timeout,
	}, storageClient, m, logger.Named("repair"))

	var idempotency router.IdempotencyStore
	switch cfg.Idempotency.Backend {
	case "redis":
		r := cfg.Idempotency.Redis
		idempotency, err = router.NewRedisIdempotencyStore(ctx, fmt.Sprintf("%s:%d", r.Host, r.Port), r.Password, r.DB, r.Prefix, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	case "memory":
		idempotency = router.NewMemoryIdempotencyStore(cfg.Idempotency.MaxSize, time.Minute)
	}

	rt := router.New(router.Config{
		RetryBackoff:   cfg.Router.RetryBackoff,
		IdempotencyTTL: cfg.Idempotency.TTL,
	}, algorithm.NewPartitioner(cfg.Router.Partitions), snapshots, coord, repairer, idempotency, m, logger.Named("router"))

	snap, err := snapshots.Get(ctx)
	switch {
	case err != nil:
		logger.Warn("Metadata service not reachable yet", zap.Error(err))
	case len(snap.Partitions) != cfg.Router.Partitions:
		logger.Fatal("Partition count does not match the metadata service",
			zap.Int("configured", cfg.Router.Partitions),
			zap.Int("metadata", len(snap.Partitions)))
	}

	checker := health.NewChecker(2*time.Second, logger)
	checker.Add("snapshot", func(ctx context.Context) error {
		_, err := snapshots.Get(ctx)
		return err
	})

	srv := server.New(server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		RequestTimeout:  cfg.Server.RequestTimeout,
		MaxValueSize:    cfg.Server.MaxValueSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    rateLimit(cfg.RateLimiter),
		RateLimitBurst:  cfg.RateLimiter.BurstSize,
	}, rt, checker, logger.Named("http"))

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	cancel()
	repairer.Stop(5 * time.Second)
	if hints != nil {
		hints.Stop()
	}
	if idempotency != nil {
		idempotency.Close()
	}
	storageClient.Close()
	metadataClient.Close()
	logger.Info("Router stopped")
}

func rateLimit(cfg config.RateLimiterConfig) float64 {
	if !cfg.Enabled {
		return 0
	}
	return cfg.RequestsPerSecond
}
