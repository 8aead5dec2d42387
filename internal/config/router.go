package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/quorumkv/internal/algorithm"
	"github.com/devrev/quorumkv/internal/logging"
)

// RouterConfig is the router process configuration.
type RouterConfig struct {
	Server      HTTPServerConfig  `mapstructure:"server"`
	Metadata    SnapshotConfig    `mapstructure:"metadata"`
	Quorum      QuorumConfig      `mapstructure:"quorum"`
	Router      RoutingConfig     `mapstructure:"router"`
	Repair      RepairConfig      `mapstructure:"repair"`
	Hints       HintsConfig       `mapstructure:"hints"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     logging.Config    `mapstructure:"logging"`
}

// HTTPServerConfig holds the client-facing HTTP server settings.
type HTTPServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxValueSize    int64         `mapstructure:"max_value_size"`
}

// SnapshotConfig controls how the router follows the metadata service.
type SnapshotConfig struct {
	Address         string        `mapstructure:"address"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxStaleness    time.Duration `mapstructure:"max_staleness"`
}

// QuorumConfig selects W and R, either by preset or explicitly.
type QuorumConfig struct {
	Preset            string        `mapstructure:"preset"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	W                 int           `mapstructure:"w"`
	R                 int           `mapstructure:"r"`
	AllowWeak         bool          `mapstructure:"allow_weak"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ConflictAttempts  int           `mapstructure:"conflict_attempts"`
	VersionCacheSize  int           `mapstructure:"version_cache_size"`
}

// Resolve returns the quorum this configuration describes.
func (q QuorumConfig) Resolve() (algorithm.Quorum, error) {
	quorum := algorithm.Quorum{N: q.ReplicationFactor, W: q.W, R: q.R}
	if q.Preset != algorithm.PresetCustom {
		var err error
		if quorum, err = algorithm.QuorumForPreset(q.Preset, q.ReplicationFactor); err != nil {
			return algorithm.Quorum{}, err
		}
	}
	return quorum, quorum.Validate(q.AllowWeak)
}

// RoutingConfig holds partitioning and retry settings.
type RoutingConfig struct {
	Partitions   int           `mapstructure:"partitions"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RepairConfig sizes the read-repair pool.
type RepairConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// HintsConfig holds hinted handoff settings.
type HintsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxHintsPerNode int           `mapstructure:"max_hints_per_node"`
	TTL             time.Duration `mapstructure:"ttl"`
	ReplayInterval  time.Duration `mapstructure:"replay_interval"`
	ReplayTimeout   time.Duration `mapstructure:"replay_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// IdempotencyConfig selects where idempotency keys are remembered.
type IdempotencyConfig struct {
	// Backend is "memory", "redis" or "none".
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig represents Redis idempotency store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// DefaultRouterConfig returns default configuration values
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Server: HTTPServerConfig{
			NodeID:          "router-1",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxValueSize:    1 << 20,
		},
		Metadata: SnapshotConfig{
			Address:         "localhost:50050",
			RefreshInterval: time.Second,
			MaxStaleness:    30 * time.Second,
		},
		Quorum: QuorumConfig{
			Preset:            algorithm.PresetBalanced,
			ReplicationFactor: 3,
			WriteTimeout:      2 * time.Second,
			ReadTimeout:       time.Second,
			ConflictAttempts:  2,
			VersionCacheSize:  100000,
		},
		Router: RoutingConfig{
			Partitions:   64,
			RetryBackoff: 50 * time.Millisecond,
		},
		Repair: RepairConfig{
			Workers:       8,
			QueueSize:     4096,
			RatePerSecond: 500,
			Burst:         100,
			Timeout:       2 * time.Second,
		},
		Hints: HintsConfig{
			Enabled:         true,
			MaxHintsPerNode: 10000,
			TTL:             3 * time.Hour,
			ReplayInterval:  10 * time.Second,
			ReplayTimeout:   5 * time.Second,
			MaxRetries:      10,
		},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
			MaxSize: 100000,
			Redis: RedisConfig{
				Host:   "localhost",
				Port:   6379,
				Prefix: "quorumkv:idem:",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadRouterConfig loads the router configuration from path and the
// environment. Environment variables take precedence over the file.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	cfg := DefaultRouterConfig()
	if err := readViper(path, cfg); err != nil {
		return nil, err
	}

	envString("ROUTER_NODE_ID", &cfg.Server.NodeID)
	envInt("ROUTER_PORT", &cfg.Server.Port)
	envString("METADATA_ADDRESS", &cfg.Metadata.Address)
	envString("CONSISTENCY_PRESET", &cfg.Quorum.Preset)
	envString("IDEMPOTENCY_BACKEND", &cfg.Idempotency.Backend)
	envString("REDIS_HOST", &cfg.Idempotency.Redis.Host)
	envInt("REDIS_PORT", &cfg.Idempotency.Redis.Port)
	envString("REDIS_PASSWORD", &cfg.Idempotency.Redis.Password)
	envBool("HINTS_ENABLED", &cfg.Hints.Enabled)
	envString("LOG_LEVEL", &cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *RouterConfig) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Metadata.Address == "" {
		return errors.New("metadata.address is required")
	}
	if c.Metadata.MaxStaleness < c.Metadata.RefreshInterval {
		return errors.New("metadata.max_staleness must not be shorter than metadata.refresh_interval")
	}
	if c.Router.Partitions <= 0 {
		return errors.New("router.partitions must be positive")
	}
	if _, err := c.Quorum.Resolve(); err != nil {
		return fmt.Errorf("quorum: %w", err)
	}
	switch c.Idempotency.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("idempotency.backend must be one of: memory, redis, none")
	}
	return nil
}
