// Package memory classifies live memory pressure into tiers and drives
// pool-wide adjustments. The monitor samples process memory on a rate-limited
// Check, keeps a bounded history of snapshots, forces garbage collection
// under sustained pressure, and carries a weak-reference leak detector for
// long-lived tracked objects.
//
// Memory introspection is best-effort: when no memory limit can be
// determined the monitor degrades to a permanent low tier and disables
// pressure-driven resizing rather than erroring.
package memory

import (
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Adjuster receives pressure-driven directives. The orchestrator implements
// it by resizing every registered pool and clearing its caches.
type Adjuster interface {
	ResizeAll(factor float64)
	ClearCaches()
}

// Snapshot is one memory observation.
type Snapshot struct {
	At    time.Time `json:"at"`
	Usage uint64    `json:"usage"`
	Limit uint64    `json:"limit"`
	Ratio float64   `json:"ratio"`
	Tier  Tier      `json:"-"`
}

// State is a copy-on-read view of the monitor for stats endpoints.
type State struct {
	Tier           string     `json:"tier"`
	Ratio          float64    `json:"ratio"`
	Usage          uint64     `json:"usage"`
	Limit          uint64     `json:"limit"`
	Disabled       bool       `json:"disabled"`
	LastTierChange time.Time  `json:"last_tier_change,omitempty"`
	LastGC         time.Time  `json:"last_gc,omitempty"`
	GCRuns         uint64     `json:"gc_runs"`
	TierChanges    uint64     `json:"tier_changes"`
	TrackedObjects int        `json:"tracked_objects"`
	History        []Snapshot `json:"-"`
}

// sampleFunc reports current usage and the effective memory limit in bytes.
// A zero limit means none could be determined.
type sampleFunc func() (usage, limit uint64)

// Monitor samples memory pressure and drives the Adjuster on tier changes.
// Check is safe for concurrent use, though in practice it runs from one
// periodic tick.
type Monitor struct {
	cfg      Config
	logger   *zap.Logger
	adjuster Adjuster
	sample   sampleFunc
	proc     *process.Process

	mu             sync.Mutex
	tier           Tier
	disabled       bool
	lastCheck      time.Time
	lastTierChange time.Time
	lastGC         time.Time
	lastSnapshot   Snapshot
	history        []Snapshot
	historyNext    int
	historyFull    bool
	gcRuns         uint64
	tierChanges    uint64
	tracked        map[uint64]*trackedRef
	trackSeq       uint64
}

// NewMonitor creates a pressure monitor. The adjuster may be nil, in which
// case tier changes are only logged.
func NewMonitor(cfg Config, adjuster Adjuster, logger *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "memory_monitor")),
		adjuster: adjuster,
		tier:     TierLow,
		history:  make([]Snapshot, cfg.HistorySize),
		tracked:  make(map[uint64]*trackedRef),
	}
	m.sample = m.realSample

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	}

	return m, nil
}

// SetAdjuster wires the pressure sink after construction. Used by the
// orchestrator to break the construction cycle between monitor and pools.
func (m *Monitor) SetAdjuster(a Adjuster) {
	m.mu.Lock()
	m.adjuster = a
	m.mu.Unlock()
}

// Check samples memory, reclassifies the tier, and applies any resulting
// directives. Calls closer together than CheckInterval are no-ops. A
// transition into the critical tier forces a GC pass and a cache clear;
// leaving it only logs, regrowth happens via the next improving tier factor.
func (m *Monitor) Check() {
	now := time.Now()

	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return
	}
	if m.cfg.CheckInterval > 0 && now.Sub(m.lastCheck) < m.cfg.CheckInterval {
		m.mu.Unlock()
		return
	}
	m.lastCheck = now

	usage, limit := m.sample()
	if limit == 0 {
		// No limit means no meaningful ratio. Degrade permanently and
		// leave pools on their local defaults.
		m.disabled = true
		m.tier = TierLow
		m.mu.Unlock()
		m.logger.Warn("no memory limit detected, pressure-driven resizing disabled")
		return
	}

	ratio := float64(usage) / float64(limit)
	newTier := m.cfg.classify(ratio)

	snap := Snapshot{At: now, Usage: usage, Limit: limit, Ratio: ratio, Tier: newTier}
	m.lastSnapshot = snap
	m.history[m.historyNext] = snap
	m.historyNext = (m.historyNext + 1) % len(m.history)
	if m.historyNext == 0 {
		m.historyFull = true
	}

	var (
		adjuster  = m.adjuster
		factor    float64
		tierMoved bool
		fromTier  = m.tier
		forceGC   bool
		routineGC bool
	)

	if newTier != m.tier {
		m.tier = newTier
		m.lastTierChange = now
		m.tierChanges++
		tierMoved = true
		factor = m.cfg.factorFor(newTier)
		if newTier == TierCritical {
			forceGC = true
		}
	}

	if !forceGC && now.Sub(m.lastGC) >= gcInterval(m.tier) {
		routineGC = true
	}
	if forceGC || routineGC {
		m.lastGC = now
		m.gcRuns++
	}

	m.sweepLocked(now)
	m.mu.Unlock()

	// Directives run outside the monitor lock so pool resizing never
	// nests under it.
	if tierMoved {
		m.handlePressureChange(fromTier, newTier, ratio, factor, adjuster)
	}
	if forceGC {
		m.forceGC()
		if adjuster != nil {
			adjuster.ClearCaches()
		}
	} else if routineGC {
		runtime.GC()
	}
}

// handlePressureChange runs exactly once per tier transition.
func (m *Monitor) handlePressureChange(from, to Tier, ratio, factor float64, adjuster Adjuster) {
	m.logger.Info("memory pressure tier changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Float64("ratio", ratio),
		zap.Float64("pool_factor", factor))

	if from == TierCritical {
		m.logger.Info("left critical memory pressure", zap.String("to", to.String()))
	}

	if adjuster != nil {
		adjuster.ResizeAll(factor)
	}
}

// forceGC performs an aggressive reclamation pass: two GC cycles and a
// return of freed pages to the OS.
func (m *Monitor) forceGC() {
	start := time.Now()
	runtime.GC()
	runtime.GC()
	debug.FreeOSMemory()
	m.logger.Info("forced GC pass", zap.Duration("took", time.Since(start)))
}

// realSample reads process RSS via gopsutil, falling back to the runtime
// heap when process introspection fails. The limit comes from the
// configured override or the runtime's soft memory limit.
func (m *Monitor) realSample() (usage, limit uint64) {
	limit = m.cfg.MemoryLimitBytes
	if limit == 0 {
		if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
			limit = uint64(soft)
		}
	}

	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			return info.RSS, limit
		}
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc, limit
}

// Tier returns the current pressure tier.
func (m *Monitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// State returns a copy-on-read snapshot of the monitor.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.historyNext
	if m.historyFull {
		n = len(m.history)
	}
	history := make([]Snapshot, 0, n)
	if m.historyFull {
		history = append(history, m.history[m.historyNext:]...)
	}
	history = append(history, m.history[:m.historyNext]...)

	return State{
		Tier:           m.tier.String(),
		Ratio:          m.lastSnapshot.Ratio,
		Usage:          m.lastSnapshot.Usage,
		Limit:          m.lastSnapshot.Limit,
		Disabled:       m.disabled,
		LastTierChange: m.lastTierChange,
		LastGC:         m.lastGC,
		GCRuns:         m.gcRuns,
		TierChanges:    m.tierChanges,
		TrackedObjects: len(m.tracked),
		History:        history,
	}
}
