// Package config defines the top-level swarmpool configuration and its YAML
// loader. One Config describes a whole instance: the pools it serves, the
// memory pressure envelope, the coordination backend, and the ambient
// logging/HTTP surfaces.
package config

import (
	"github.com/swarmpool/swarmpool/pkg/coordinator"
	"github.com/swarmpool/swarmpool/pkg/logger"
	"github.com/swarmpool/swarmpool/pkg/memory"
	"github.com/swarmpool/swarmpool/pkg/orchestrator"
	"github.com/swarmpool/swarmpool/pkg/pool"
	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

// Config is the root configuration for one swarmpool instance.
type Config struct {
	// Logging configures the global zap logger.
	Logging logger.Config `yaml:"logging" json:"logging"`

	// HTTP configures the stats and Prometheus endpoints.
	HTTP HTTPConfig `yaml:"http" json:"http"`

	// Orchestrator sets instance identity and maintenance cadence.
	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator"`

	// Memory sets tier ratios, adjustment factors, and GC behavior.
	Memory memory.Config `yaml:"memory" json:"memory"`

	// Coordinator selects and configures the coordination backend.
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`

	// PoolDefaults is the capacity envelope applied to kinds without an
	// explicit entry in Pools.
	PoolDefaults pool.Config `yaml:"pool_defaults" json:"pool_defaults"`

	// Pools holds per-kind capacity envelopes, keyed by object kind.
	Pools map[string]pool.Config `yaml:"pools" json:"pools"`
}

// HTTPConfig configures the operational HTTP listener.
type HTTPConfig struct {
	// ListenAddr serves /metrics, /stats, and /healthz. Empty disables the
	// listener.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// CoordinatorConfig selects the coordination backend. With Enabled false the
// instance runs standalone on the no-op backend.
type CoordinatorConfig struct {
	Enabled bool                    `yaml:"enabled" json:"enabled"`
	Redis   coordinator.RedisConfig `yaml:"redis" json:"redis"`
}

// Default returns a runnable single-instance configuration.
func Default() Config {
	return Config{
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":9090",
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Memory:       memory.DefaultConfig(),
		Coordinator: CoordinatorConfig{
			Enabled: false,
			Redis:   coordinator.DefaultRedisConfig(),
		},
		PoolDefaults: pool.DefaultConfig(),
	}
}

// PoolConfig returns the capacity envelope for kind, falling back to
// PoolDefaults when no per-kind entry exists.
func (c Config) PoolConfig(kind string) pool.Config {
	if pc, ok := c.Pools[kind]; ok {
		return pc
	}
	return c.PoolDefaults
}

// Validate checks every section. Per-kind pool envelopes are validated
// individually so a single bad kind names itself in the error.
func (c Config) Validate() error {
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.PoolDefaults.Validate(); err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "pool_defaults")
	}
	for kind, pc := range c.Pools {
		if err := pc.Validate(); err != nil {
			return poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "pool").
				WithDetail("kind", kind)
		}
	}
	if c.Coordinator.Enabled && c.Coordinator.Redis.Addr == "" {
		return poolerrors.New(poolerrors.ErrorTypeConfig,
			"coordinator enabled but redis addr is empty")
	}
	return nil
}
