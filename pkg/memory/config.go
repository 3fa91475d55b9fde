package memory

import (
	"time"

	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

// Tier classifies memory pressure from the usage/limit ratio.
type Tier int

const (
	// TierLow is normal operation; pools may regrow.
	TierLow Tier = iota
	// TierMedium holds pools at their current size.
	TierMedium
	// TierHigh shrinks pools to relieve pressure.
	TierHigh
	// TierCritical halves pools, forces GC, and clears caches.
	TierCritical
)

// String returns the tier name for logging and stats.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config controls pressure classification and GC cadence.
type Config struct {
	// CheckInterval rate-limits Check; calls inside the window are no-ops.
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	// MemoryLimitBytes overrides limit detection. Zero means auto-detect
	// from the runtime's soft memory limit; if none is set the monitor
	// degrades to a permanent low tier.
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`

	// Tier boundaries on the usage/limit ratio.
	MediumRatio   float64 `yaml:"medium_ratio" json:"medium_ratio"`
	HighRatio     float64 `yaml:"high_ratio" json:"high_ratio"`
	CriticalRatio float64 `yaml:"critical_ratio" json:"critical_ratio"`

	// Pool adjustment factors per tier, applied on tier transitions.
	LowFactor      float64 `yaml:"low_factor" json:"low_factor"`
	MediumFactor   float64 `yaml:"medium_factor" json:"medium_factor"`
	HighFactor     float64 `yaml:"high_factor" json:"high_factor"`
	CriticalFactor float64 `yaml:"critical_factor" json:"critical_factor"`

	// HistorySize bounds the snapshot ring buffer.
	HistorySize int `yaml:"history_size" json:"history_size"`

	// DefaultTrackedLifetime bounds tracked-object age for the leak
	// detector; TrackedLifetimes overrides it per kind.
	DefaultTrackedLifetime time.Duration            `yaml:"default_tracked_lifetime" json:"default_tracked_lifetime"`
	TrackedLifetimes       map[string]time.Duration `yaml:"tracked_lifetimes" json:"tracked_lifetimes"`
}

// DefaultConfig returns the default pressure configuration: boundaries at
// 0.5/0.7/0.9, adjustment factors 1.2/1.0/0.7/0.5, a 5s check interval,
// and a 100-sample history.
func DefaultConfig() Config {
	return Config{
		CheckInterval:          5 * time.Second,
		MediumRatio:            0.5,
		HighRatio:              0.7,
		CriticalRatio:          0.9,
		LowFactor:              1.2,
		MediumFactor:           1.0,
		HighFactor:             0.7,
		CriticalFactor:         0.5,
		HistorySize:            100,
		DefaultTrackedLifetime: 300 * time.Second,
		TrackedLifetimes: map[string]time.Duration{
			"buffer": 60 * time.Second,
		},
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.MediumRatio <= 0 || c.MediumRatio >= c.HighRatio || c.HighRatio >= c.CriticalRatio || c.CriticalRatio > 1 {
		return poolerrors.New(poolerrors.ErrorTypeConfig,
			"tier ratios must satisfy 0 < medium < high < critical <= 1")
	}
	if c.LowFactor <= 0 || c.MediumFactor <= 0 || c.HighFactor <= 0 || c.CriticalFactor <= 0 {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "adjustment factors must be positive")
	}
	if c.HistorySize <= 0 {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "history_size must be positive")
	}
	return nil
}

// factorFor returns the pool adjustment factor for a tier.
func (c Config) factorFor(tier Tier) float64 {
	switch tier {
	case TierLow:
		return c.LowFactor
	case TierMedium:
		return c.MediumFactor
	case TierHigh:
		return c.HighFactor
	case TierCritical:
		return c.CriticalFactor
	default:
		return 1.0
	}
}

// gcInterval returns the minimum spacing between GC passes for a tier.
// Critical pressure always permits GC.
func gcInterval(tier Tier) time.Duration {
	switch tier {
	case TierCritical:
		return 0
	case TierHigh:
		return 10 * time.Second
	case TierMedium:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// classify maps a usage ratio onto a tier.
func (c Config) classify(ratio float64) Tier {
	switch {
	case ratio >= c.CriticalRatio:
		return TierCritical
	case ratio >= c.HighRatio:
		return TierHigh
	case ratio >= c.MediumRatio:
		return TierMedium
	default:
		return TierLow
	}
}
