package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devrev/quorumkv/internal/logging"
)

// StorageServerConfig holds the storage node's gRPC server settings.
type StorageServerConfig struct {
	NodeID string `yaml:"node_id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	// AdvertiseAddress is what the node registers with; it defaults to
	// host:port and is required when host is a wildcard.
	AdvertiseAddress string        `yaml:"advertise_address"`
	HealthPort       int           `yaml:"health_port"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// StorageEngineConfig holds record and disk limits.
type StorageEngineConfig struct {
	DataDir         string        `yaml:"data_dir"`
	MaxKeySize      int           `yaml:"max_key_size"`
	MaxValueSize    int           `yaml:"max_value_size"`
	MaxDiskUsage    float64       `yaml:"max_disk_usage"`
	CompactInterval time.Duration `yaml:"compact_interval"`
}

// CommitLogConfig holds commit log settings.
type CommitLogConfig struct {
	SegmentSize int64 `yaml:"segment_size"`
	// SyncWrites fsyncs every append before the write is acknowledged. It is
	// on unless the file turns it off explicitly.
	SyncWrites bool `yaml:"sync_writes"`
}

// MembershipConfig tells a storage node where the metadata service is.
type MembershipConfig struct {
	Address           string        `yaml:"address"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff   time.Duration `yaml:"max_retry_backoff"`
}

// GossipConfig holds peer gossip settings.
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// StorageConfig is the storage node configuration.
type StorageConfig struct {
	Server    StorageServerConfig `yaml:"server"`
	Storage   StorageEngineConfig `yaml:"storage"`
	CommitLog CommitLogConfig     `yaml:"commit_log"`
	Metadata  MembershipConfig    `yaml:"metadata"`
	Gossip    GossipConfig        `yaml:"gossip"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Logging   logging.Config      `yaml:"logging"`
}

// LoadStorageConfig reads a storage node configuration file.
func LoadStorageConfig(path string) (*StorageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseStorageConfig(data)
}

// ParseStorageConfig parses YAML, fills defaults and validates.
func ParseStorageConfig(data []byte) (*StorageConfig, error) {
	cfg := StorageConfig{CommitLog: CommitLogConfig{SyncWrites: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *StorageConfig) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 50052
	}
	if c.Server.AdvertiseAddress == "" && !wildcardHost(c.Server.Host) {
		c.Server.AdvertiseAddress = net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
	}
	if c.Server.HealthPort == 0 {
		c.Server.HealthPort = 8081
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "/var/lib/quorumkv"
	}
	if c.Storage.MaxKeySize == 0 {
		c.Storage.MaxKeySize = 4 << 10
	}
	if c.Storage.MaxValueSize == 0 {
		c.Storage.MaxValueSize = 1 << 20
	}
	if c.Storage.MaxDiskUsage == 0 {
		c.Storage.MaxDiskUsage = 0.9
	}
	if c.Storage.CompactInterval == 0 {
		c.Storage.CompactInterval = time.Hour
	}

	if c.CommitLog.SegmentSize == 0 {
		c.CommitLog.SegmentSize = 64 << 20
	}

	if c.Metadata.HeartbeatInterval == 0 {
		c.Metadata.HeartbeatInterval = time.Second
	}
	if c.Metadata.CallTimeout == 0 {
		c.Metadata.CallTimeout = 2 * time.Second
	}
	if c.Metadata.RetryBackoff == 0 {
		c.Metadata.RetryBackoff = 200 * time.Millisecond
	}
	if c.Metadata.MaxRetryBackoff == 0 {
		c.Metadata.MaxRetryBackoff = 10 * time.Second
	}

	if c.Gossip.BindPort == 0 {
		c.Gossip.BindPort = 7946
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9091
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *StorageConfig) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Metadata.Address == "" {
		return fmt.Errorf("metadata.address is required")
	}
	if c.Server.AdvertiseAddress == "" {
		return fmt.Errorf("server.advertise_address is required when server.host is %q", c.Server.Host)
	}
	if host, _, err := net.SplitHostPort(c.Server.AdvertiseAddress); err != nil {
		return fmt.Errorf("server.advertise_address: %w", err)
	} else if wildcardHost(host) {
		return fmt.Errorf("server.advertise_address must name a reachable host, got %q", c.Server.AdvertiseAddress)
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.CommitLog.SegmentSize < 1<<10 {
		return fmt.Errorf("commit_log.segment_size must be at least 1KiB")
	}
	return nil
}

func wildcardHost(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
