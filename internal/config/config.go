package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ACCOUNT_SERVER_SERVER_PORT
const EnvPrefix = "ACCOUNT_SERVER"

// Config represents the complete configuration for the account server
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication"`
	Broker      BrokerConfig      `mapstructure:"broker" yaml:"broker"`
	WorkerPool  WorkerPoolConfig  `mapstructure:"worker_pool" yaml:"worker_pool"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id" yaml:"node_id"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig holds device and database layout configuration
type StorageConfig struct {
	Devices                 string        `mapstructure:"devices" yaml:"devices"`
	MountCheck              bool          `mapstructure:"mount_check" yaml:"mount_check"`
	DBPreallocation         bool          `mapstructure:"db_preallocation" yaml:"db_preallocation"`
	AutoCreateAccountPrefix string        `mapstructure:"auto_create_account_prefix" yaml:"auto_create_account_prefix"`
	HashPathPrefix          string        `mapstructure:"hash_path_prefix" yaml:"hash_path_prefix"`
	HashPathSuffix          string        `mapstructure:"hash_path_suffix" yaml:"hash_path_suffix"`
	DiskCheckInterval       time.Duration `mapstructure:"disk_check_interval" yaml:"disk_check_interval"`
	DiskWarningThreshold    float64       `mapstructure:"disk_warning_threshold" yaml:"disk_warning_threshold"`
	DiskCircuitBreaker      float64       `mapstructure:"disk_circuit_breaker" yaml:"disk_circuit_breaker"`
	AccountListingLimit     int           `mapstructure:"account_listing_limit" yaml:"account_listing_limit"`
	MaxContainerNameLength  int           `mapstructure:"max_container_name_length" yaml:"max_container_name_length"`
}

// ReplicationConfig selects which verbs the server answers. Server is empty,
// or a boolean string.
type ReplicationConfig struct {
	Server string `mapstructure:"server" yaml:"server"`
}

// BrokerConfig holds account database tuning
type BrokerConfig struct {
	PendingCap                 int64         `mapstructure:"pending_cap" yaml:"pending_cap"`
	PendingTimeout             time.Duration `mapstructure:"pending_timeout" yaml:"pending_timeout"`
	ReadPendingTimeout         time.Duration `mapstructure:"read_pending_timeout" yaml:"read_pending_timeout"`
	ContainerPutPendingTimeout time.Duration `mapstructure:"container_put_pending_timeout" yaml:"container_put_pending_timeout"`
}

// WorkerPoolConfig sizes the background commit pool
type WorkerPoolConfig struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// HealthConfig holds device health check configuration
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// LoadConfig reads configuration from filePath, if set, and ACCOUNT_SERVER_*
// environment variables
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if filePath != "" {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/account-server/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.NodeID = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6202)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("storage.devices", "/srv/node")
	v.SetDefault("storage.mount_check", true)
	v.SetDefault("storage.db_preallocation", false)
	v.SetDefault("storage.auto_create_account_prefix", ".")
	v.SetDefault("storage.hash_path_prefix", "")
	v.SetDefault("storage.hash_path_suffix", "")
	v.SetDefault("storage.disk_check_interval", "10s")
	v.SetDefault("storage.disk_warning_threshold", 90.0)
	v.SetDefault("storage.disk_circuit_breaker", 98.0)
	v.SetDefault("storage.account_listing_limit", 10000)
	v.SetDefault("storage.max_container_name_length", 256)

	v.SetDefault("replication.server", "")

	v.SetDefault("broker.pending_cap", 131072)
	v.SetDefault("broker.pending_timeout", "10s")
	v.SetDefault("broker.read_pending_timeout", "100ms")
	v.SetDefault("broker.container_put_pending_timeout", "3s")

	v.SetDefault("worker_pool.max_workers", 4)
	v.SetDefault("worker_pool.queue_size", 256)

	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	v.SetDefault("health.interval", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9092)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.Devices == "" {
		return fmt.Errorf("storage.devices is required")
	}
	if c.Storage.HashPathPrefix == "" && c.Storage.HashPathSuffix == "" {
		return fmt.Errorf("storage.hash_path_prefix or storage.hash_path_suffix is required")
	}
	if c.Storage.DiskCircuitBreaker < 0 || c.Storage.DiskCircuitBreaker > 100 {
		return fmt.Errorf("storage.disk_circuit_breaker must be between 0 and 100")
	}
	if c.Storage.AccountListingLimit <= 0 || c.Storage.MaxContainerNameLength <= 0 {
		return fmt.Errorf("storage.account_listing_limit and storage.max_container_name_length must be positive")
	}
	if _, err := parseBool(c.Replication.Server); c.Replication.Server != "" && err != nil {
		return fmt.Errorf("replication.server: %w", err)
	}
	if c.Broker.PendingCap <= 0 {
		return fmt.Errorf("broker.pending_cap must be positive")
	}
	if c.WorkerPool.MaxWorkers <= 0 || c.WorkerPool.QueueSize <= 0 {
		return fmt.Errorf("worker_pool.max_workers and worker_pool.queue_size must be positive")
	}
	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiter.requests_per_second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate_limiter.burst_size must be positive")
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on", "t", "y":
		return true, nil
	case "false", "0", "no", "off", "f", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}
