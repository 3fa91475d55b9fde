// Package coordinator provides cross-instance visibility for swarmpool: a
// TTL-bound instance registry, a minimal advisory leadership lease, FIFO
// work queues, and best-effort global pool counters, backed by Redis.
//
// The backend is a pure optimization layer. Every operation fails soft: on
// backend unavailability methods return a neutral result (false, nil, empty)
// instead of an error, and the orchestrator treats "no coordinator" exactly
// like running as a single standalone instance.
package coordinator

import (
	"context"
	"time"
)

// InstanceRecord is one process instance's registration. Records carry a
// short TTL; an instance that stops heartbeating silently drops out of
// GetActiveInstances.
type InstanceRecord struct {
	InstanceID string         `json:"instance_id"`
	PoolSizes  map[string]int `json:"pool_sizes"`
	LastSeen   time.Time      `json:"last_seen"`
}

// Backend is the coordination capability surface. Implementations must fail
// soft on every operation: a boolean false or empty result signals "not
// done", never a caller-visible error. Enumeration results are
// point-in-time, possibly-stale snapshots suitable for observability and
// soft rebalancing only.
type Backend interface {
	// RegisterInstance upserts the instance record with the registry TTL.
	// Callers must re-register at least once per TTL window.
	RegisterInstance(ctx context.Context, rec InstanceRecord) bool
	// UpdateInstance refreshes the record and its TTL (heartbeat).
	UpdateInstance(ctx context.Context, rec InstanceRecord) bool
	// UnregisterInstance removes the record on graceful shutdown.
	// Best-effort: a no-op if the record already expired.
	UnregisterInstance(ctx context.Context, instanceID string) bool
	// GetActiveInstances enumerates instances whose records have not
	// expired.
	GetActiveInstances(ctx context.Context) []InstanceRecord

	// AcquireLeadership attempts a set-if-absent on the single leadership
	// key. A call by the current holder succeeds and refreshes the TTL.
	AcquireLeadership(ctx context.Context, instanceID string, ttl time.Duration) bool
	// ReleaseLeadership deletes the leadership key only if instanceID is
	// the current holder (compare-and-delete).
	ReleaseLeadership(ctx context.Context, instanceID string) bool
	// CurrentLeader returns the holder's instance ID, or "" if none.
	CurrentLeader(ctx context.Context) string

	// Push appends an item to the FIFO queue behind key.
	Push(ctx context.Context, key string, item interface{}) bool
	// Pop removes the oldest queue item into dest. A zero timeout is
	// non-blocking; a positive timeout blocks up to that long and must
	// only be used from dedicated background workers.
	Pop(ctx context.Context, key string, timeout time.Duration, dest interface{}) bool

	// Get/Set/Delete are the generic keyed-value escape hatch.
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool

	// AdjustCounter applies a delta to the global per-kind pool counter
	// and refreshes its TTL, returning the new value. The counter is
	// eventually consistent, never transactionally exact.
	AdjustCounter(ctx context.Context, kind string, delta int64) int64
	// GetCounter reads the global per-kind pool counter.
	GetCounter(ctx context.Context, kind string) int64

	// IsConnected probes backend liveness.
	IsConnected(ctx context.Context) bool
	// Close releases backend resources.
	Close() error
}

// Noop is the local-only fallback backend. Every operation returns its
// neutral result, which makes an orchestrator wired to it behave exactly
// like a standalone instance.
type Noop struct{}

var _ Backend = Noop{}

func (Noop) RegisterInstance(context.Context, InstanceRecord) bool { return false }
func (Noop) UpdateInstance(context.Context, InstanceRecord) bool   { return false }
func (Noop) UnregisterInstance(context.Context, string) bool       { return false }
func (Noop) GetActiveInstances(context.Context) []InstanceRecord   { return nil }
func (Noop) AcquireLeadership(context.Context, string, time.Duration) bool {
	return false
}
func (Noop) ReleaseLeadership(context.Context, string) bool { return false }
func (Noop) CurrentLeader(context.Context) string           { return "" }
func (Noop) Push(context.Context, string, interface{}) bool { return false }
func (Noop) Pop(context.Context, string, time.Duration, interface{}) bool {
	return false
}
func (Noop) Get(context.Context, string, interface{}) bool { return false }
func (Noop) Set(context.Context, string, interface{}, time.Duration) bool {
	return false
}
func (Noop) Delete(context.Context, string) bool                { return false }
func (Noop) AdjustCounter(context.Context, string, int64) int64 { return 0 }
func (Noop) GetCounter(context.Context, string) int64           { return 0 }
func (Noop) IsConnected(context.Context) bool                   { return false }
func (Noop) Close() error                                       { return nil }
