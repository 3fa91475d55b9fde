package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/swarmpool/swarmpool/pkg/pool"
)

func TestObservePoolConvertsCountersToDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObservePool(pool.Stats{Kind: "request", Borrowed: 5, Returned: 3, CurrentSize: 4, InUse: 2})
	c.ObservePool(pool.Stats{Kind: "request", Borrowed: 9, Returned: 8, CurrentSize: 4, InUse: 1})

	assert.Equal(t, 9.0, testutil.ToFloat64(c.borrowed.WithLabelValues("request")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.returned.WithLabelValues("request")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolSize.WithLabelValues("request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inUse.WithLabelValues("request")))
}

func TestObservePressureAndCoordination(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObservePressure(2, 3)
	c.ObservePressure(1, 3) // no new GC runs

	assert.Equal(t, 1.0, testutil.ToFloat64(c.pressureTier))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.gcRuns))

	c.ObserveCoordination(true, 4, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.leader))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.activeInstances))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolAdjustments))

	c.ObserveCoordination(false, 0, 2)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.leader))
}
