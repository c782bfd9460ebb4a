package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/models"
)

func load(t *testing.T, opts ...config.ConfigLoaderOption) *config.Config {
	t.Helper()
	cfg, err := config.NewConfigLoader(viper.New(), opts...).Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.Redis.URL)
	assert.Equal(t, 2, cfg.Postgres.PoolMin)
	assert.Equal(t, 20, cfg.Postgres.PoolMax)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.LivenessWindow)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.DispatchTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.DequeueTimeout)
	assert.Equal(t, config.PolicyIntersects, cfg.Scheduler.SelectionPolicy)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.NotEmpty(t, cfg.Agent.ID)
	assert.Equal(t, "http://127.0.0.1:8081", cfg.Agent.Endpoint)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKMESH_PORT", "9090")
	t.Setenv("TASKMESH_SELECTION_POLICY", "covers")
	t.Setenv("TASKMESH_AGENT_CAPABILITIES", "data_analysis, code_generation")
	t.Setenv("TASKMESH_LIVENESS_WINDOW", "90s")

	cfg := load(t)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, config.PolicyCovers, cfg.Scheduler.SelectionPolicy)
	assert.Equal(t, []models.Capability{
		models.CapabilityDataAnalysis,
		models.CapabilityCodeGeneration,
	}, cfg.Agent.Capabilities)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.LivenessWindow)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  host: 0.0.0.0
  port: 8888
redis:
  url: redis://redis.internal:6379/1
dispatch_timeout: 2s
`), 0o600))

	cfg := load(t, config.WithConfigFile(file))

	assert.Equal(t, "0.0.0.0:8888", cfg.Server.Addr())
	assert.Equal(t, "redis://redis.internal:6379/1", cfg.Redis.URL)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.DispatchTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("BadPolicy", func(t *testing.T) {
		t.Setenv("TASKMESH_SELECTION_POLICY", "nearest")
		_, err := config.NewConfigLoader(viper.New()).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "selection policy")
	})

	t.Run("BadCapability", func(t *testing.T) {
		t.Setenv("TASKMESH_AGENT_CAPABILITIES", "quantum_teleportation")
		_, err := config.NewConfigLoader(viper.New()).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "capability")
	})

	t.Run("HeartbeatLongerThanLiveness", func(t *testing.T) {
		t.Setenv("TASKMESH_HEARTBEAT_INTERVAL", "2m")
		_, err := config.NewConfigLoader(viper.New()).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "heartbeat interval")
	})
}
