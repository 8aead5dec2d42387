package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devrev/quorumkv/internal/config"
	"github.com/devrev/quorumkv/internal/handler"
	"github.com/devrev/quorumkv/internal/health"
	"github.com/devrev/quorumkv/internal/logging"
	"github.com/devrev/quorumkv/internal/metadata"
	"github.com/devrev/quorumkv/internal/metrics"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.LoadMetadataConfig(configPath)
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

	logger.Info("Starting metadata service",
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Store.Backend),
		zap.Int("partitions", cfg.Cluster.Partitions),
		zap.Int("replication_factor", cfg.Cluster.ReplicationFactor))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		cancel()
		logger.Fatal("Failed to open metadata store", zap.Error(err))
	}

	m := metrics.NewMetrics("quorumkv_metadata", prometheus.DefaultRegisterer)
	svc, err := metadata.NewService(ctx, metadata.Config{
		Partitions:        cfg.Cluster.Partitions,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		VirtualNodes:      cfg.Cluster.VirtualNodes,
		SuspectAfter:      cfg.Cluster.SuspectAfter,
		DeadAfter:         cfg.Cluster.DeadAfter,
		CheckInterval:     cfg.Cluster.CheckInterval,
	}, store, m, logger)
	cancel()
	if err != nil {
		store.Close()
		logger.Fatal("Failed to start metadata service", zap.Error(err))
	}
	svc.Start()

	grpcServer := grpc.NewServer()
	pb.RegisterMetadataServiceServer(grpcServer, handler.NewMetadataHandler(svc, logger))

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

	checker := health.NewChecker(2*time.Second, logger)
	checker.Add("store", func(ctx context.Context) error {
		_, err := store.Load(ctx)
		return err
	})
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", checker.LivenessHandler)
		mux.HandleFunc("/ready", checker.ReadinessHandler)
		if cfg.Metrics.Enabled {
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		}
		addr := fmt.Sprintf(":%d", cfg.Server.HealthPort)
		logger.Info("Starting health server", zap.String("address", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Health server failed", zap.Error(err))
		}
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
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.Server.ShutdownTimeout):
		grpcServer.Stop()
	}
	svc.Stop()
	if err := store.Close(); err != nil {
		logger.Error("Failed to close metadata store", zap.Error(err))
	}
	logger.Info("Metadata service stopped")
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (metadata.MetadataStore, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("Using in-memory metadata store; membership is lost on restart")
		return metadata.NewMemoryStore(), nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Bolt.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create metadata dir: %w", err)
		}
		return metadata.NewBoltStore(cfg.Bolt.Path)
	case "zookeeper":
		return metadata.NewZooKeeperStore(cfg.ZooKeeper.Servers, cfg.ZooKeeper.RootPath, cfg.ZooKeeper.SessionTimeout)
	case "etcd":
		return metadata.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.Etcd.DialTimeout)
	case "postgres":
		p := cfg.Postgres
		return metadata.NewPostgresStore(ctx, p.Host, p.Port, p.Database, p.User, p.Password,
			p.MaxConnections, p.MinConnections, logger)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Backend)
	}
}
