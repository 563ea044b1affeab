package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "account-server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-1
storage:
  hash_path_suffix: endcap
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, 6202, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/srv/node", cfg.Storage.Devices)
	assert.True(t, cfg.Storage.MountCheck)
	assert.Equal(t, ".", cfg.Storage.AutoCreateAccountPrefix)
	assert.Equal(t, 10000, cfg.Storage.AccountListingLimit)
	assert.Equal(t, 256, cfg.Storage.MaxContainerNameLength)
	assert.Equal(t, "", cfg.Replication.Server)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.ReadPendingTimeout)
	assert.Equal(t, 3*time.Second, cfg.Broker.ContainerPutPendingTimeout)
	assert.Equal(t, int64(131072), cfg.Broker.PendingCap)
	assert.False(t, cfg.RateLimiter.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-1
  port: 7000
  read_timeout: 5s
storage:
  devices: /data
  mount_check: false
  hash_path_prefix: start
replication:
  server: "true"
`)
	t.Setenv("ACCOUNT_SERVER_SERVER_PORT", "7100")
	t.Setenv("ACCOUNT_SERVER_WORKER_POOL_MAX_WORKERS", "16")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/data", cfg.Storage.Devices)
	assert.False(t, cfg.Storage.MountCheck)
	assert.Equal(t, "start", cfg.Storage.HashPathPrefix)
	assert.Equal(t, "true", cfg.Replication.Server)
	assert.Equal(t, 16, cfg.WorkerPool.MaxWorkers)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:     ServerConfig{NodeID: "n", Port: 6202},
			Storage:    StorageConfig{Devices: "/srv/node", HashPathSuffix: "endcap", AccountListingLimit: 10000, MaxContainerNameLength: 256},
			Broker:     BrokerConfig{PendingCap: 1024},
			WorkerPool: WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no node id", func(c *Config) { c.Server.NodeID = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"no devices", func(c *Config) { c.Storage.Devices = "" }},
		{"no hash path salt", func(c *Config) { c.Storage.HashPathSuffix = "" }},
		{"no listing limit", func(c *Config) { c.Storage.AccountListingLimit = 0 }},
		{"bad replication server", func(c *Config) { c.Replication.Server = "maybe" }},
		{"no pending cap", func(c *Config) { c.Broker.PendingCap = 0 }},
		{"no workers", func(c *Config) { c.WorkerPool.MaxWorkers = 0 }},
		{"rate limiter without rate", func(c *Config) { c.RateLimiter = RateLimiterConfig{Enabled: true, BurstSize: 1} }},
		{"metrics without port", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestYAMLRendersEffectiveConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-1
storage:
  hash_path_suffix: endcap
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "read_timeout: 30s")

	var back map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "node-1", back["server"]["node_id"])
	assert.Equal(t, "endcap", back["storage"]["hash_path_suffix"])
}
