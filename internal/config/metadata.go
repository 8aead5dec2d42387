package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/quorumkv/internal/logging"
)

// MetadataConfig is the metadata service configuration.
type MetadataConfig struct {
	Server  GRPCServerConfig `mapstructure:"server"`
	Cluster ClusterConfig    `mapstructure:"cluster"`
	Store   StoreConfig      `mapstructure:"store"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Logging logging.Config   `mapstructure:"logging"`
}

// GRPCServerConfig represents gRPC server configuration
type GRPCServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	HealthPort      int           `mapstructure:"health_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ClusterConfig holds partitioning and liveness settings.
type ClusterConfig struct {
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	VirtualNodes      int           `mapstructure:"virtual_nodes"`
	SuspectAfter      time.Duration `mapstructure:"suspect_after"`
	DeadAfter         time.Duration `mapstructure:"dead_after"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	// Backend is one of memory, bolt, zookeeper, etcd or postgres.
	Backend   string          `mapstructure:"backend"`
	Bolt      BoltConfig      `mapstructure:"bolt"`
	ZooKeeper ZooKeeperConfig `mapstructure:"zookeeper"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

type ZooKeeperConfig struct {
	Servers        []string      `mapstructure:"servers"`
	RootPath       string        `mapstructure:"root_path"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// PostgresConfig represents PostgreSQL metadata store configuration
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// DefaultMetadataConfig returns default configuration values
func DefaultMetadataConfig() *MetadataConfig {
	return &MetadataConfig{
		Server: GRPCServerConfig{
			Host:            "0.0.0.0",
			Port:            50050,
			HealthPort:      8082,
			ShutdownTimeout: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			Partitions:        64,
			ReplicationFactor: 3,
			VirtualNodes:      64,
			SuspectAfter:      3 * time.Second,
			DeadAfter:         30 * time.Second,
			CheckInterval:     time.Second,
		},
		Store: StoreConfig{
			Backend: "bolt",
			Bolt:    BoltConfig{Path: "/var/lib/quorumkv/metadata.db"},
			ZooKeeper: ZooKeeperConfig{
				Servers:        []string{"localhost:2181"},
				RootPath:       "/quorumkv",
				SessionTimeout: 10 * time.Second,
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/quorumkv",
				DialTimeout: 5 * time.Second,
			},
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "quorumkv_metadata",
				User:           "quorumkv",
				MaxConnections: 10,
				MinConnections: 2,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9092,
			Path:    "/metrics",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadMetadataConfig loads the metadata service configuration from path
// and the environment.
func LoadMetadataConfig(path string) (*MetadataConfig, error) {
	cfg := DefaultMetadataConfig()
	if err := readViper(path, cfg); err != nil {
		return nil, err
	}

	envInt("METADATA_PORT", &cfg.Server.Port)
	envString("METADATA_BACKEND", &cfg.Store.Backend)
	envString("BOLT_PATH", &cfg.Store.Bolt.Path)
	envList("ZOOKEEPER_SERVERS", &cfg.Store.ZooKeeper.Servers)
	envList("ETCD_ENDPOINTS", &cfg.Store.Etcd.Endpoints)
	envString("DATABASE_HOST", &cfg.Store.Postgres.Host)
	envInt("DATABASE_PORT", &cfg.Store.Postgres.Port)
	envString("DATABASE_NAME", &cfg.Store.Postgres.Database)
	envString("DATABASE_USER", &cfg.Store.Postgres.User)
	envString("DATABASE_PASSWORD", &cfg.Store.Postgres.Password)
	envString("LOG_LEVEL", &cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *MetadataConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Cluster.Partitions <= 0 {
		return errors.New("cluster.partitions must be positive")
	}
	if c.Cluster.ReplicationFactor <= 0 {
		return errors.New("cluster.replication_factor must be positive")
	}
	if c.Cluster.SuspectAfter <= 0 || c.Cluster.DeadAfter <= c.Cluster.SuspectAfter {
		return errors.New("cluster.dead_after must exceed cluster.suspect_after")
	}
	switch c.Store.Backend {
	case "memory":
	case "bolt":
		if c.Store.Bolt.Path == "" {
			return errors.New("store.bolt.path is required")
		}
	case "zookeeper":
		if len(c.Store.ZooKeeper.Servers) == 0 {
			return errors.New("store.zookeeper.servers is required")
		}
	case "etcd":
		if len(c.Store.Etcd.Endpoints) == 0 {
			return errors.New("store.etcd.endpoints is required")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" || c.Store.Postgres.User == "" {
			return errors.New("store.postgres host, database and user are required")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of: memory, bolt, zookeeper, etcd, postgres", c.Store.Backend)
	}
	return nil
}
