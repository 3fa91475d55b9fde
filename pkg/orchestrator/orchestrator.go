// Package orchestrator composes swarmpool: it owns one LocalPool per object
// kind, wires memory-pressure directives into pool resizing, and keeps this
// instance's registration, leadership lease, and global counters in sync
// with the coordination backend.
//
// Coordination is strictly advisory. A coordinator that is slow, flapping,
// or permanently gone never affects Borrow/Return; the orchestrator simply
// behaves like a single standalone instance until the backend returns.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmpool/swarmpool/pkg/coordinator"
	"github.com/swarmpool/swarmpool/pkg/memory"
	"github.com/swarmpool/swarmpool/pkg/metrics"
	"github.com/swarmpool/swarmpool/pkg/pool"
	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

// Config controls the orchestrator's identity and maintenance cadence.
type Config struct {
	// InstanceID uniquely identifies this process in the coordinator.
	// Empty means hostname plus a random suffix.
	InstanceID string `yaml:"instance_id" json:"instance_id"`
	// HeartbeatTTL is the registry window; records older than this are
	// pruned from local caches by the leader.
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl" json:"heartbeat_ttl"`
	// LeadershipTTL is the lease duration requested on every acquire.
	LeadershipTTL time.Duration `yaml:"leadership_ttl" json:"leadership_ttl"`
	// TickInterval is the Run loop cadence.
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// DefaultConfig returns the default maintenance cadence.
func DefaultConfig() Config {
	return Config{
		HeartbeatTTL:  60 * time.Second,
		LeadershipTTL: 30 * time.Second,
		TickInterval:  time.Second,
	}
}

// CoordinatorView is the last-synced coordinator state, kept local so stats
// reads never touch the network.
type CoordinatorView struct {
	Connected       bool   `json:"connected"`
	Leader          string `json:"leader,omitempty"`
	IsLeader        bool   `json:"is_leader"`
	ActiveInstances int    `json:"active_instances"`
}

// Stats is the read-only snapshot served to health/metrics endpoints.
type Stats struct {
	InstanceID      string                `json:"instance_id"`
	Pools           map[string]pool.Stats `json:"pools"`
	Memory          memory.State          `json:"memory"`
	Coordinator     CoordinatorView       `json:"coordinator"`
	PoolAdjustments uint64                `json:"pool_adjustments"`
}

// Orchestrator is the composition root. Borrow/Return are safe to call from
// any number of request-handling goroutines; Tick runs coordination work
// off the request path and must be driven on a fixed schedule, either by
// the host or via Run.
type Orchestrator struct {
	cfg       Config
	logger    *zap.Logger
	backend   coordinator.Backend
	monitor   *memory.Monitor
	collector *metrics.Collector

	mu              sync.RWMutex
	pools           map[string]*pool.LocalPool
	leader          bool
	view            CoordinatorView
	poolAdjustments uint64
	lastReported    map[string]int64
	cacheClearers   []func()
}

// New creates an orchestrator. A nil backend selects the local-only Noop
// coordinator; a nil collector disables Prometheus publication.
func New(cfg Config, backend coordinator.Backend, monitorCfg memory.Config, collector *metrics.Collector, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 60 * time.Second
	}
	if cfg.LeadershipTTL <= 0 {
		cfg.LeadershipTTL = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if backend == nil {
		backend = coordinator.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "orchestrator"), zap.String("instance_id", cfg.InstanceID)),
		backend:      backend,
		collector:    collector,
		pools:        make(map[string]*pool.LocalPool),
		lastReported: make(map[string]int64),
	}

	monitor, err := memory.NewMonitor(monitorCfg, o, logger)
	if err != nil {
		return nil, err
	}
	o.monitor = monitor

	return o, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.NewString()[:8]
}

// InstanceID returns this process's coordinator identity.
func (o *Orchestrator) InstanceID() string {
	return o.cfg.InstanceID
}

// Monitor returns the memory monitor, e.g. for registering tracked objects.
func (o *Orchestrator) Monitor() *memory.Monitor {
	return o.monitor
}

// RegisterKind creates a LocalPool for kind. Registering the same kind
// twice is a configuration error.
func (o *Orchestrator) RegisterKind(kind string, factory pool.SlotFactory, cfg pool.Config) error {
	p, err := pool.New(kind, factory, cfg, o.logger)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.pools[kind]; exists {
		p.Close()
		return poolerrors.Newf(poolerrors.ErrorTypeConfig, "kind %q already registered", kind)
	}
	o.pools[kind] = p
	return nil
}

// RegisterCacheClearer adds a callback run when critical memory pressure
// demands that caches be dropped.
func (o *Orchestrator) RegisterCacheClearer(fn func()) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.cacheClearers = append(o.cacheClearers, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) poolFor(kind string) (*pool.LocalPool, error) {
	o.mu.RLock()
	p, ok := o.pools[kind]
	o.mu.RUnlock()
	if !ok {
		return nil, poolerrors.Newf(poolerrors.ErrorTypeUnknownKind, "kind %q not registered", kind)
	}
	return p, nil
}

// Borrow hands out an object of the given kind. Overflow objects are
// registered with the leak detector; pooled objects are not, since the pool
// keeps them reachable for their whole life.
func (o *Orchestrator) Borrow(kind string) (*pool.PooledObject, error) {
	p, err := o.poolFor(kind)
	if err != nil {
		return nil, err
	}

	obj, err := p.Borrow()
	if err != nil {
		return nil, err
	}
	if obj.State() == pool.StateOverflow {
		memory.Track(o.monitor, kind, obj)
	}
	return obj, nil
}

// Return gives an object back to its pool.
func (o *Orchestrator) Return(kind string, obj *pool.PooledObject) error {
	p, err := o.poolFor(kind)
	if err != nil {
		return err
	}
	if obj != nil && obj.Kind != kind {
		return poolerrors.Newf(poolerrors.ErrorTypeUnknownKind,
			"object of kind %q returned as %q", obj.Kind, kind)
	}
	p.Return(obj)
	return nil
}

// ResizeAll applies factor to every registered pool. It implements
// memory.Adjuster; resize failures are logged, never propagated, because
// pressure handling is advisory.
func (o *Orchestrator) ResizeAll(factor float64) {
	o.mu.Lock()
	pools := make([]*pool.LocalPool, 0, len(o.pools))
	for _, p := range o.pools {
		pools = append(pools, p)
	}
	o.poolAdjustments++
	o.mu.Unlock()

	for _, p := range pools {
		if err := p.Resize(factor); err != nil {
			o.logger.Warn("pool resize failed",
				zap.String("kind", p.Kind()),
				zap.Float64("factor", factor),
				zap.Error(err))
		}
	}
	o.logger.Debug("resized all pools", zap.Float64("factor", factor))
}

// ClearCaches implements memory.Adjuster: under critical pressure every
// registered clearer runs. The coordinator view is left alone; it is a
// bounded snapshot, not a cache worth reclaiming.
func (o *Orchestrator) ClearCaches() {
	o.mu.Lock()
	clearers := make([]func(), len(o.cacheClearers))
	copy(clearers, o.cacheClearers)
	o.mu.Unlock()

	for _, fn := range clearers {
		fn()
	}
}

// Tick runs one maintenance pass: a memory pressure check followed by a
// coordinator sync. Call it on a fixed schedule (1-5s), never from the
// request path; coordinator calls may block up to their operation timeout.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.monitor.Check()
	o.syncWithCoordinator(ctx)
	o.publishMetrics()
}

// Run drives Tick until ctx is cancelled, then shuts down gracefully:
// leadership is released, the instance record removed, and all pools
// closed.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.Shutdown(context.Background())
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Shutdown releases coordination state and closes every pool. Best-effort:
// an unreachable coordinator cannot block shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	wasLeader := o.leader
	o.leader = false
	pools := make([]*pool.LocalPool, 0, len(o.pools))
	for _, p := range o.pools {
		pools = append(pools, p)
	}
	o.mu.Unlock()

	if wasLeader {
		o.backend.ReleaseLeadership(ctx, o.cfg.InstanceID)
	}
	o.backend.UnregisterInstance(ctx, o.cfg.InstanceID)

	for _, p := range pools {
		p.Close()
	}
	o.logger.Info("orchestrator shut down", zap.Bool("was_leader", wasLeader))
}

// syncWithCoordinator refreshes this instance's record, renews or acquires
// the leadership lease, and, when leading, prunes stale registry entries
// and publishes the advisory global pool counters.
func (o *Orchestrator) syncWithCoordinator(ctx context.Context) {
	sizes := o.poolSizes()

	rec := coordinator.InstanceRecord{
		InstanceID: o.cfg.InstanceID,
		PoolSizes:  sizes,
	}

	connected := o.backend.UpdateInstance(ctx, rec)
	if !connected {
		// Standalone mode: drop leadership if held and keep serving
		// locally. This path must stay cheap and silent.
		o.setLeader(false, "coordinator unavailable")
		o.mu.Lock()
		o.view = CoordinatorView{}
		o.mu.Unlock()
		return
	}
	acquired := o.backend.AcquireLeadership(ctx, o.cfg.InstanceID, o.cfg.LeadershipTTL)
	o.setLeader(acquired, "lease renewal")

	active := o.backend.GetActiveInstances(ctx)
	leaderID := o.backend.CurrentLeader(ctx)

	if acquired {
		active = o.pruneStale(active)
		o.publishGlobalCounters(ctx, active)
	}

	o.mu.Lock()
	o.view = CoordinatorView{
		Connected:       true,
		Leader:          leaderID,
		IsLeader:        acquired,
		ActiveInstances: len(active),
	}
	o.mu.Unlock()
}

// setLeader advances the leadership state machine, logging transitions.
// Losing the lease is a normal state change, not an error.
func (o *Orchestrator) setLeader(leader bool, reason string) {
	o.mu.Lock()
	prev := o.leader
	o.leader = leader
	o.mu.Unlock()

	switch {
	case !prev && leader:
		o.logger.Info("leadership acquired", zap.Duration("lease_ttl", o.cfg.LeadershipTTL))
		// A fresh leader inherits whatever the previous leader last
		// published, so counter deltas stay consistent.
		o.mu.Lock()
		o.lastReported = make(map[string]int64)
		o.mu.Unlock()
	case prev && !leader:
		o.logger.Info("leadership lost", zap.String("reason", reason))
	}
}

// pruneStale drops registry entries whose lastSeen exceeds the heartbeat
// TTL. Leader-only bookkeeping; the registry's own TTLs are authoritative,
// this just keeps the local cache and counter sums tight.
func (o *Orchestrator) pruneStale(active []coordinator.InstanceRecord) []coordinator.InstanceRecord {
	cutoff := time.Now().Add(-o.cfg.HeartbeatTTL)
	kept := active[:0]
	for _, rec := range active {
		if rec.LastSeen.Before(cutoff) {
			o.logger.Debug("pruning stale instance record",
				zap.String("instance_id", rec.InstanceID),
				zap.Time("last_seen", rec.LastSeen))
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

// publishGlobalCounters pushes the per-kind sum of all active instances'
// pool sizes into the coordinator as increment/decrement deltas. Advisory
// and eventually consistent by design.
func (o *Orchestrator) publishGlobalCounters(ctx context.Context, active []coordinator.InstanceRecord) {
	sums := make(map[string]int64)
	for _, rec := range active {
		for kind, size := range rec.PoolSizes {
			sums[kind] += int64(size)
		}
	}

	o.mu.Lock()
	lastReported := o.lastReported
	o.mu.Unlock()

	for kind, sum := range sums {
		last, seen := lastReported[kind]
		if !seen {
			// First publication since gaining leadership: converge from
			// whatever value the previous leader left behind.
			last = o.backend.GetCounter(ctx, kind)
		}
		if delta := sum - last; delta != 0 {
			o.backend.AdjustCounter(ctx, kind, delta)
		}
		lastReported[kind] = sum
	}
}

// poolSizes snapshots current sizes per kind.
func (o *Orchestrator) poolSizes() map[string]int {
	o.mu.RLock()
	pools := make(map[string]*pool.LocalPool, len(o.pools))
	for kind, p := range o.pools {
		pools[kind] = p
	}
	o.mu.RUnlock()

	sizes := make(map[string]int, len(pools))
	for kind, p := range pools {
		sizes[kind] = p.Stats().CurrentSize
	}
	return sizes
}

// publishMetrics pushes the current snapshot into Prometheus, if wired.
func (o *Orchestrator) publishMetrics() {
	if o.collector == nil {
		return
	}

	stats := o.GetStats()
	for _, s := range stats.Pools {
		o.collector.ObservePool(s)
	}
	o.collector.ObservePressure(int(o.monitor.Tier()), stats.Memory.GCRuns)
	o.collector.ObserveCoordination(stats.Coordinator.IsLeader,
		stats.Coordinator.ActiveInstances, stats.PoolAdjustments)
}

// GetStats returns a read-only snapshot for health endpoints. It reads only
// local state; the coordinator view is from the last sync.
func (o *Orchestrator) GetStats() Stats {
	o.mu.RLock()
	pools := make(map[string]*pool.LocalPool, len(o.pools))
	for kind, p := range o.pools {
		pools[kind] = p
	}
	view := o.view
	adjustments := o.poolAdjustments
	o.mu.RUnlock()

	perKind := make(map[string]pool.Stats, len(pools))
	for kind, p := range pools {
		perKind[kind] = p.Stats()
	}

	return Stats{
		InstanceID:      o.cfg.InstanceID,
		Pools:           perKind,
		Memory:          o.monitor.State(),
		Coordinator:     view,
		PoolAdjustments: adjustments,
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (o *Orchestrator) IsLeader() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.leader
}
