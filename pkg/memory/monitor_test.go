package memory

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

// recordingAdjuster captures pressure directives.
type recordingAdjuster struct {
	mu      sync.Mutex
	factors []float64
	clears  int
}

func (a *recordingAdjuster) ResizeAll(factor float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.factors = append(a.factors, factor)
}

func (a *recordingAdjuster) ClearCaches() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clears++
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckInterval = 0 // no rate limiting in tests
	return cfg
}

// fixedSampler feeds a scripted sequence of usage ratios against a 1000-byte
// limit. The last ratio repeats once the script is exhausted.
func fixedSampler(ratios ...float64) sampleFunc {
	i := 0
	return func() (uint64, uint64) {
		r := ratios[len(ratios)-1]
		if i < len(ratios) {
			r = ratios[i]
			i++
		}
		return uint64(r * 1000), 1000
	}
}

func newTestMonitor(t *testing.T, cfg Config, adjuster Adjuster) *Monitor {
	t.Helper()
	m, err := NewMonitor(cfg, adjuster, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighRatio = 0.4 // below medium
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))

	cfg = DefaultConfig()
	cfg.CriticalFactor = 0
	require.Error(t, cfg.Validate())

	require.NoError(t, DefaultConfig().Validate())
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, TierLow, cfg.classify(0.0))
	assert.Equal(t, TierLow, cfg.classify(0.49))
	assert.Equal(t, TierMedium, cfg.classify(0.5))
	assert.Equal(t, TierHigh, cfg.classify(0.7))
	assert.Equal(t, TierCritical, cfg.classify(0.9))
	assert.Equal(t, TierCritical, cfg.classify(1.5))
}

// Ratio walk 0.4 -> 0.6 -> 0.75 -> 0.95 -> 0.6 must produce tiers
// low -> medium -> high -> critical -> medium, apply factors 1.0, 0.7,
// 0.5, 1.0 in order, and clear caches exactly once on entering critical.
func TestPressureWalk(t *testing.T) {
	adjuster := &recordingAdjuster{}
	m := newTestMonitor(t, testConfig(), adjuster)
	m.sample = fixedSampler(0.4, 0.6, 0.75, 0.95, 0.6)

	tiers := []Tier{}
	for i := 0; i < 5; i++ {
		m.Check()
		tiers = append(tiers, m.Tier())
	}

	assert.Equal(t, []Tier{TierLow, TierMedium, TierHigh, TierCritical, TierMedium}, tiers)
	assert.Equal(t, []float64{1.0, 0.7, 0.5, 1.0}, adjuster.factors,
		"the initial low reading is the baseline, not a transition")
	assert.Equal(t, 1, adjuster.clears, "cache clear fires once, on entering critical")

	state := m.State()
	assert.Equal(t, uint64(4), state.TierChanges)
	assert.GreaterOrEqual(t, state.GCRuns, uint64(1))
}

func TestTierChangeFiresOncePerTransition(t *testing.T) {
	adjuster := &recordingAdjuster{}
	m := newTestMonitor(t, testConfig(), adjuster)
	m.sample = fixedSampler(0.6, 0.6, 0.6, 0.6)

	for i := 0; i < 4; i++ {
		m.Check()
	}
	assert.Equal(t, []float64{1.0}, adjuster.factors,
		"a steady ratio must not re-fire the transition handler")
}

// Sustained pressure must not thrash the collector: outside critical, GC
// passes are spaced by the per-tier interval, while critical permits one on
// every check.
func TestGCCadencePerTier(t *testing.T) {
	m := newTestMonitor(t, testConfig(), nil)
	m.sample = fixedSampler(0.75)

	for i := 0; i < 5; i++ {
		m.Check()
	}
	assert.Equal(t, uint64(1), m.State().GCRuns,
		"high tier spaces GC passes ten seconds apart")
	assert.Equal(t, TierHigh, m.Tier())

	m = newTestMonitor(t, testConfig(), nil)
	m.sample = fixedSampler(0.95)

	for i := 0; i < 4; i++ {
		m.Check()
	}
	assert.Equal(t, uint64(4), m.State().GCRuns,
		"critical tier permits a GC pass on every check")
}

func TestCheckRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = time.Hour
	m := newTestMonitor(t, cfg, nil)
	m.sample = fixedSampler(0.6)

	m.Check()
	require.Equal(t, TierMedium, m.Tier())

	// Inside the window: the sampler must not be consulted again.
	m.sample = fixedSampler(0.95)
	m.Check()
	assert.Equal(t, TierMedium, m.Tier())
}

func TestNoLimitDegradesToLow(t *testing.T) {
	adjuster := &recordingAdjuster{}
	m := newTestMonitor(t, testConfig(), adjuster)
	m.sample = func() (uint64, uint64) { return 512, 0 }

	m.Check()
	state := m.State()
	assert.True(t, state.Disabled)
	assert.Equal(t, "low", state.Tier)

	// Once degraded, later checks are inert even if a limit reappears.
	m.sample = fixedSampler(0.95)
	m.Check()
	assert.Equal(t, TierLow, m.Tier())
	assert.Empty(t, adjuster.factors)
}

func TestHistoryRingIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 10
	m := newTestMonitor(t, cfg, nil)
	m.sample = fixedSampler(0.4)

	for i := 0; i < 25; i++ {
		m.Check()
	}
	state := m.State()
	assert.Len(t, state.History, 10)
}

func TestRealSamplerReportsUsage(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryLimitBytes = 1 << 34
	m := newTestMonitor(t, cfg, nil)

	usage, limit := m.realSample()
	assert.Equal(t, uint64(1<<34), limit)
	assert.Greater(t, usage, uint64(0))
}

func TestTrackAndSweepExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TrackedLifetimes = map[string]time.Duration{"buffer": time.Nanosecond}
	m := newTestMonitor(t, cfg, nil)

	held := &struct{ buf []byte }{buf: make([]byte, 64)}
	Track(m, "buffer", held)
	assert.Equal(t, 1, m.State().TrackedObjects)

	time.Sleep(time.Millisecond)
	leaked := m.Sweep()
	assert.Equal(t, 1, leaked, "a reachable object past its lifetime is a leak suspect")
	assert.Equal(t, 0, m.State().TrackedObjects)
	runtime.KeepAlive(held)
}

func TestSweepDropsCollectedObjects(t *testing.T) {
	m := newTestMonitor(t, testConfig(), nil)

	obj := new([256]byte)
	Track(m, "request", obj)
	obj = nil // drop the only strong reference
	_ = obj

	runtime.GC()
	runtime.GC()

	leaked := m.Sweep()
	assert.Equal(t, 0, leaked, "collected objects are dropped silently")
	assert.Equal(t, 0, m.State().TrackedObjects)
}
