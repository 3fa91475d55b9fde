package pool

import (
	"time"

	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

// Config controls the capacity envelope of one LocalPool.
// Invariant: InitialSize <= MaxSize <= EmergencyLimit.
type Config struct {
	// InitialSize is the number of slots created up front.
	InitialSize int `yaml:"initial_size" json:"initial_size"`
	// MaxSize caps adaptive growth of the pooled slot count.
	MaxSize int `yaml:"max_size" json:"max_size"`
	// EmergencyLimit bounds pooled slots plus outstanding overflow
	// objects. Beyond it, Borrow fails.
	EmergencyLimit int `yaml:"emergency_limit" json:"emergency_limit"`
	// ScaleThreshold is the utilization ratio that permits growth.
	ScaleThreshold float64 `yaml:"scale_threshold" json:"scale_threshold"`
	// GrowthFactor multiplies the slot count on expansion.
	GrowthFactor float64 `yaml:"growth_factor" json:"growth_factor"`
	// Cooldown is the minimum time between consecutive resizes.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// MinFloor is the lowest slot count Resize may shrink to.
	MinFloor int `yaml:"min_floor" json:"min_floor"`
	// HardCeiling is the highest slot count Resize may grow to.
	// Zero means MaxSize.
	HardCeiling int `yaml:"hard_ceiling" json:"hard_ceiling"`
}

// DefaultConfig returns the default capacity envelope.
func DefaultConfig() Config {
	return Config{
		InitialSize:    10,
		MaxSize:        100,
		EmergencyLimit: 200,
		ScaleThreshold: 0.8,
		GrowthFactor:   1.5,
		Cooldown:       0,
		MinFloor:       1,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.InitialSize < 0 || c.MaxSize <= 0 || c.EmergencyLimit <= 0 {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "pool sizes must be positive")
	}
	if c.InitialSize > c.MaxSize {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig,
			"initial_size %d exceeds max_size %d", c.InitialSize, c.MaxSize)
	}
	if c.MaxSize > c.EmergencyLimit {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig,
			"max_size %d exceeds emergency_limit %d", c.MaxSize, c.EmergencyLimit)
	}
	if c.ScaleThreshold <= 0 || c.ScaleThreshold > 1 {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig,
			"scale_threshold %v must be in (0, 1]", c.ScaleThreshold)
	}
	if c.GrowthFactor <= 1 {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig,
			"growth_factor %v must be greater than 1", c.GrowthFactor)
	}
	if c.MinFloor < 0 {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "min_floor must not be negative")
	}
	if c.HardCeiling < 0 {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "hard_ceiling must not be negative")
	}
	return nil
}

// ceiling returns the effective upper clamp for Resize.
func (c Config) ceiling() int {
	if c.HardCeiling > 0 {
		return c.HardCeiling
	}
	return c.MaxSize
}

// Stats is a point-in-time snapshot of one pool's counters. Snapshots are
// copies; reading one never blocks borrow/return for longer than the copy.
type Stats struct {
	Kind string `json:"kind"`

	// Counters
	Borrowed             uint64 `json:"borrowed"`
	Returned             uint64 `json:"returned"`
	Created              uint64 `json:"created"`
	Expanded             uint64 `json:"expanded"`
	Shrunk               uint64 `json:"shrunk"`
	OverflowCreated      uint64 `json:"overflow_created"`
	EmergencyActivations uint64 `json:"emergency_activations"`

	// Gauges
	CurrentSize         int `json:"current_size"`
	InUse               int `json:"in_use"`
	FreeSlots           int `json:"free_slots"`
	OverflowOutstanding int `json:"overflow_outstanding"`

	LastResize time.Time `json:"last_resize,omitempty"`
}
