// Package metrics exposes swarmpool's pool, memory, and coordination state
// as Prometheus metrics. A Collector is cheap to update from the
// orchestrator's periodic tick; metric families are registered once at
// construction via promauto on a caller-supplied registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/swarmpool/swarmpool/pkg/pool"
)

// Collector owns the Prometheus series for one orchestrator instance.
// It is not safe for concurrent use; update it from the tick loop only.
type Collector struct {
	borrowed        *prometheus.CounterVec
	returned        *prometheus.CounterVec
	overflowCreated *prometheus.CounterVec
	poolSize        *prometheus.GaugeVec
	inUse           *prometheus.GaugeVec
	overflowLive    *prometheus.GaugeVec
	pressureTier    prometheus.Gauge
	gcRuns          prometheus.Counter
	leader          prometheus.Gauge
	activeInstances prometheus.Gauge
	poolAdjustments prometheus.Counter

	// last observed snapshot values, for counter delta conversion
	lastBorrowed map[string]uint64
	lastReturned map[string]uint64
	lastOverflow map[string]uint64
	lastGCRuns   uint64
	lastAdjusts  uint64
}

// NewCollector registers the swarmpool metric families on reg. Pass
// prometheus.DefaultRegisterer for the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		borrowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmpool",
			Name:      "borrowed_total",
			Help:      "Total objects borrowed, per kind.",
		}, []string{"kind"}),
		returned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmpool",
			Name:      "returned_total",
			Help:      "Total objects returned, per kind.",
		}, []string{"kind"}),
		overflowCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmpool",
			Name:      "overflow_created_total",
			Help:      "Total emergency overflow objects created, per kind.",
		}, []string{"kind"}),
		poolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmpool",
			Name:      "pool_size",
			Help:      "Current pooled slot count, per kind.",
		}, []string{"kind"}),
		inUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmpool",
			Name:      "in_use",
			Help:      "Objects currently borrowed, per kind.",
		}, []string{"kind"}),
		overflowLive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmpool",
			Name:      "overflow_outstanding",
			Help:      "Outstanding overflow objects, per kind.",
		}, []string{"kind"}),
		pressureTier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpool",
			Name:      "memory_pressure_tier",
			Help:      "Memory pressure tier (0=low 1=medium 2=high 3=critical).",
		}),
		gcRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpool",
			Name:      "gc_runs_total",
			Help:      "GC passes triggered by the memory monitor.",
		}),
		leader: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpool",
			Name:      "leader",
			Help:      "1 when this instance holds the coordination lease.",
		}),
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpool",
			Name:      "active_instances",
			Help:      "Instances visible in the coordinator registry.",
		}),
		poolAdjustments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpool",
			Name:      "pool_adjustments_total",
			Help:      "Pressure-driven resize passes applied to all pools.",
		}),
		lastBorrowed: make(map[string]uint64),
		lastReturned: make(map[string]uint64),
		lastOverflow: make(map[string]uint64),
	}
}

// ObservePool publishes one pool's snapshot. Monotonic pool counters are
// converted to Prometheus counter increments.
func (c *Collector) ObservePool(s pool.Stats) {
	c.borrowed.WithLabelValues(s.Kind).Add(float64(s.Borrowed - c.lastBorrowed[s.Kind]))
	c.lastBorrowed[s.Kind] = s.Borrowed

	c.returned.WithLabelValues(s.Kind).Add(float64(s.Returned - c.lastReturned[s.Kind]))
	c.lastReturned[s.Kind] = s.Returned

	c.overflowCreated.WithLabelValues(s.Kind).Add(float64(s.OverflowCreated - c.lastOverflow[s.Kind]))
	c.lastOverflow[s.Kind] = s.OverflowCreated

	c.poolSize.WithLabelValues(s.Kind).Set(float64(s.CurrentSize))
	c.inUse.WithLabelValues(s.Kind).Set(float64(s.InUse))
	c.overflowLive.WithLabelValues(s.Kind).Set(float64(s.OverflowOutstanding))
}

// ObservePressure publishes the memory tier ordinal and GC counter.
func (c *Collector) ObservePressure(tier int, gcRuns uint64) {
	c.pressureTier.Set(float64(tier))
	if gcRuns > c.lastGCRuns {
		c.gcRuns.Add(float64(gcRuns - c.lastGCRuns))
		c.lastGCRuns = gcRuns
	}
}

// ObserveCoordination publishes leadership and registry visibility.
func (c *Collector) ObserveCoordination(isLeader bool, activeInstances int, adjustments uint64) {
	if isLeader {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
	c.activeInstances.Set(float64(activeInstances))
	if adjustments > c.lastAdjusts {
		c.poolAdjustments.Add(float64(adjustments - c.lastAdjusts))
		c.lastAdjusts = adjustments
	}
}
