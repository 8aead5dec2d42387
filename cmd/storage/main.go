package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devrev/quorumkv/internal/client"
	"github.com/devrev/quorumkv/internal/config"
	"github.com/devrev/quorumkv/internal/handler"
	"github.com/devrev/quorumkv/internal/health"
	"github.com/devrev/quorumkv/internal/logging"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/storage"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.LoadStorageConfig(configPath)
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
	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))

	logger.Info("Starting storage node",
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("metadata", cfg.Metadata.Address),
		zap.String("advertise_address", cfg.Server.AdvertiseAddress))
	if !cfg.CommitLog.SyncWrites {
		logger.Warn("Commit log fsync disabled; acknowledged writes can be lost on power failure")
	}

	m := metrics.NewMetrics("quorumkv_storage", prometheus.DefaultRegisterer)

	store, err := storage.NewStorageService(storage.Options{
		NodeID:  cfg.Server.NodeID,
		DataDir: cfg.Storage.DataDir,
		CommitLog: storage.CommitLogConfig{
			SegmentSize: cfg.CommitLog.SegmentSize,
			SyncWrites:  cfg.CommitLog.SyncWrites,
		},
		MaxKeySize:   cfg.Storage.MaxKeySize,
		MaxValueSize: cfg.Storage.MaxValueSize,
	}, m, logger)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gossip *storage.GossipService
	if cfg.Gossip.Enabled {
		gossip = storage.NewGossipService(cfg.Server.NodeID, cfg.Server.AdvertiseAddress, store.Stats, logger.Named("gossip"))
		if err := gossip.Start(storage.GossipConfig{
			Enabled:        true,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}); err != nil {
			logger.Error("Failed to start gossip, continuing without it", zap.Error(err))
			gossip = nil
		}
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*cfg.Storage.MaxValueSize),
		grpc.MaxSendMsgSize(4*cfg.Storage.MaxValueSize),
	)
	pb.RegisterStorageNodeServiceServer(grpcServer, handler.NewStorageHandler(store, logger))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to create listener", zap.Error(err))
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", addr))
		serverErrors <- grpcServer.Serve(listener)
	}()

	metadataClient := client.NewMetadataClient(cfg.Metadata.Address)
	agent := storage.NewMembershipAgent(storage.MembershipConfig{
		NodeID:            cfg.Server.NodeID,
		Address:           cfg.Server.AdvertiseAddress,
		HeartbeatInterval: cfg.Metadata.HeartbeatInterval,
		CallTimeout:       cfg.Metadata.CallTimeout,
		RetryBackoff:      cfg.Metadata.RetryBackoff,
		MaxRetryBackoff:   cfg.Metadata.MaxRetryBackoff,
	}, metadataClient, m, logger.Named("membership"))
	agent.Start(ctx)

	checker := health.NewChecker(2*time.Second, logger)
	checker.Add("data_dir", health.DataDirCheck(cfg.Storage.DataDir, cfg.Storage.MaxDiskUsage))
	checker.Add("membership", func(context.Context) error {
		switch st := agent.State(); st {
		case model.NodeStateActive, model.NodeStateJoining:
			return nil
		case "":
			return errors.New("not registered")
		default:
			return fmt.Errorf("node is %s", st)
		}
	})
	if gossip != nil && len(cfg.Gossip.SeedNodes) > 0 {
		checker.Add("gossip", func(context.Context) error {
			if len(gossip.Peers()) == 0 {
				return errors.New("no gossip peers")
			}
			return nil
		})
	}
	go serveHTTP(logger, fmt.Sprintf(":%d", cfg.Server.HealthPort), func(mux *http.ServeMux) {
		mux.HandleFunc("/health", checker.LivenessHandler)
		mux.HandleFunc("/ready", checker.ReadinessHandler)
	})
	if cfg.Metrics.Enabled {
		go serveHTTP(logger, fmt.Sprintf(":%d", cfg.Metrics.Port), func(mux *http.ServeMux) {
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		})
	}

	go compactLoop(ctx, store, cfg.Storage.CompactInterval, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")
	cancel()
	agent.Stop()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("gRPC server stop timeout, forcing shutdown")
		grpcServer.Stop()
	}

	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	metadataClient.Close()
	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage", zap.Error(err))
	}
	logger.Info("Storage node stopped")
}

func compactLoop(ctx context.Context, store *storage.StorageService, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := store.Compact(ctx); err != nil {
				logger.Error("Commit log compaction failed", zap.Error(err))
				continue
			}
			logger.Info("Commit log compacted", zap.Duration("took", time.Since(start)))
		case <-ctx.Done():
			return
		}
	}
}

func serveHTTP(logger *zap.Logger, addr string, register func(*http.ServeMux)) {
	mux := http.NewServeMux()
	register(mux)
	logger.Info("Starting HTTP listener", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("HTTP listener failed", zap.String("address", addr), zap.Error(err))
	}
}
