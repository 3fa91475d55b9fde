package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  encoding: console
http:
  listen_addr: ":8088"
orchestrator:
  instance_id: node-a
  tick_interval: 2s
coordinator:
  enabled: true
  redis:
    addr: redis:6379
    db: 2
pools:
  request:
    initial_size: 4
    max_size: 16
    emergency_limit: 32
    scale_threshold: 0.75
    growth_factor: 2.0
    min_floor: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":8088", cfg.HTTP.ListenAddr)
	assert.Equal(t, "node-a", cfg.Orchestrator.InstanceID)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.TickInterval)
	assert.True(t, cfg.Coordinator.Enabled)
	assert.Equal(t, "redis:6379", cfg.Coordinator.Redis.Addr)
	assert.Equal(t, 2, cfg.Coordinator.Redis.DB)

	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Coordinator.Redis.OpTimeout)
	assert.Equal(t, 0.5, cfg.Memory.MediumRatio)

	// Per-kind envelope wins over the defaults.
	rc := cfg.PoolConfig("request")
	assert.Equal(t, 4, rc.InitialSize)
	assert.Equal(t, 16, rc.MaxSize)
	assert.Equal(t, cfg.PoolDefaults, cfg.PoolConfig("response"))
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("SWARMPOOL_REDIS_ADDR", "10.0.0.5:6379")

	path := writeConfig(t, `
coordinator:
  enabled: true
  redis:
    addr: ${SWARMPOOL_REDIS_ADDR}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", cfg.Coordinator.Redis.Addr)
}

func TestLoadRejectsInvalidPool(t *testing.T) {
	path := writeConfig(t, `
pools:
  request:
    initial_size: 50
    max_size: 10
    emergency_limit: 20
    scale_threshold: 0.8
    growth_factor: 1.5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}

func TestLoadRejectsEnabledCoordinatorWithoutAddr(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  enabled: true
  redis:
    addr: ""
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.InstanceID = "node-a"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", loaded.Orchestrator.InstanceID)
	assert.Equal(t, cfg.PoolDefaults, loaded.PoolDefaults)
}
