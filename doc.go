// Package swarmpool provides adaptive object pooling with optional
// cross-instance coordination for horizontally scaled services.
//
// Each instance serves one LocalPool per object kind. Pools grow adaptively
// under demand, spill into bounded emergency overflow beyond their ceiling,
// and shrink when a memory-pressure monitor reports tightening headroom. A
// Redis-backed coordinator gives a fleet of instances a shared registry,
// a single leader, and advisory global pool counters; every coordination
// feature is strictly best-effort and an unreachable coordinator never
// affects local borrow/return.
//
// # Architecture
//
// Swarmpool is organized around four cooperating planes:
//
// 1. Local pooling: pool.LocalPool hands out reusable objects with a
// free-slot / adaptive-expansion / emergency-overflow / exhaustion
// resolution order, all serialized on a single mutex.
//
// 2. Memory pressure: memory.Monitor samples process memory against the
// effective limit, classifies it into low/medium/high/critical tiers, and
// drives pool-wide resize factors, forced GC, and cache clears on tier
// transitions. A weak-reference tracker flags long-lived overflow objects
// that were never returned.
//
// 3. Coordination: coordinator.Backend abstracts the shared state store;
// coordinator.RedisBackend implements instance registry with TTL
// heartbeats, SetNX leadership leases, FIFO work queues, and global
// counters, all failing soft to neutral values.
//
// 4. Orchestration: orchestrator.Orchestrator composes the planes, runs
// the periodic maintenance tick, and publishes Prometheus metrics.
//
// # Quick Start
//
// Serve one pooled kind locally:
//
//	import (
//	    "context"
//	    "github.com/swarmpool/swarmpool/pkg/memory"
//	    "github.com/swarmpool/swarmpool/pkg/orchestrator"
//	    "github.com/swarmpool/swarmpool/pkg/pool"
//	)
//
//	orch, _ := orchestrator.New(orchestrator.DefaultConfig(), nil,
//	    memory.DefaultConfig(), nil, nil)
//	_ = orch.RegisterKind("buffer", factory, pool.DefaultConfig())
//
//	go orch.Run(context.Background())
//
//	obj, err := orch.Borrow("buffer")
//	if err == nil {
//	    defer orch.Return("buffer", obj)
//	    // use obj.Value
//	}
//
// # Key Packages
//
//	pkg/pool         - Bounded adaptive object pools
//	pkg/memory       - Pressure tiers, GC management, leak tracking
//	pkg/coordinator  - Redis-backed cross-instance state
//	pkg/orchestrator - Composition root and maintenance loop
//	pkg/config       - YAML configuration with ${VAR} substitution
//	pkg/poolerrors   - Structured error handling
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus collectors
//
// # Coordination Semantics
//
// All shared state lives under a small fixed key schema:
//
//	instance:{id}           JSON instance record, TTL-expired heartbeats
//	leader                  leadership lease, SetNX + compare-and-delete
//	queue:{key}             FIFO work queues
//	global:{kind}:pool_size advisory fleet-wide pool counters
//
// The leader prunes stale registry entries and publishes counters; every
// other instance only heartbeats and reads. Counters are eventually
// consistent and carry TTLs so an absent leader ages them out.
//
// # Degradation
//
// Swarmpool treats the coordinator as an optimization, not a dependency.
// Backend operations time out quickly, reconnect transparently once, and
// return neutral values on failure. Memory introspection degrades the same
// way: when no memory limit can be determined the monitor pins the low
// tier and disables pressure-driven resizing instead of erroring.
package swarmpool
