package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

type testObject struct {
	id     int
	resets int
	data   string
}

// countingFactory tracks creations and resets and can be told to fail.
type countingFactory struct {
	mu      sync.Mutex
	creates int
	resets  int
	failAt  int // fail the Nth create (1-based), 0 = never
}

func (f *countingFactory) Create(kind string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failAt > 0 && f.creates >= f.failAt {
		return nil, errors.New("allocation refused")
	}
	return &testObject{id: f.creates}, nil
}

func (f *countingFactory) Reset(obj interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	if o, ok := obj.(*testObject); ok {
		o.resets++
		o.data = ""
	}
}

func newTestPool(t *testing.T, cfg Config) (*LocalPool, *countingFactory) {
	t.Helper()
	factory := &countingFactory{}
	p, err := New("request", factory, cfg, zap.NewNop())
	require.NoError(t, err)
	return p, factory
}

func scenarioConfig() Config {
	return Config{
		InitialSize:    2,
		MaxSize:        4,
		EmergencyLimit: 6,
		ScaleThreshold: 0.8,
		GrowthFactor:   1.5,
		MinFloor:       1,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	factory := &countingFactory{}

	cfg := DefaultConfig()
	cfg.InitialSize = 50
	cfg.MaxSize = 10
	_, err := New("request", factory, cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))

	cfg = DefaultConfig()
	cfg.MaxSize = 500
	_, err = New("request", factory, cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}

func TestBorrowReturnRoundTrip(t *testing.T) {
	p, factory := newTestPool(t, scenarioConfig())

	obj, err := p.Borrow()
	require.NoError(t, err)
	assert.Equal(t, StateInUse, obj.State())
	assert.Equal(t, "request", obj.Kind)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Borrowed)
	assert.Equal(t, 1, stats.InUse)

	p.Return(obj)
	stats = p.Stats()
	assert.Equal(t, uint64(1), stats.Returned)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, StateFree, obj.State())
	assert.Equal(t, 1, factory.resets)
}

// Scenario: initial 2, max 4, emergency 6, threshold 0.8. The first two
// borrows fill the pool, the next two trigger expansion to 4, the fifth
// and sixth spill into overflow, the seventh is refused.
func TestBorrowExpansionOverflowExhaustion(t *testing.T) {
	p, _ := newTestPool(t, scenarioConfig())

	var borrowed []*PooledObject
	for i := 0; i < 4; i++ {
		obj, err := p.Borrow()
		require.NoError(t, err, "borrow %d", i+1)
		assert.Equal(t, StateInUse, obj.State())
		borrowed = append(borrowed, obj)
	}
	stats := p.Stats()
	assert.Equal(t, 4, stats.CurrentSize)
	assert.Equal(t, uint64(2), stats.Expanded) // 2 -> 3 -> 4

	for i := 0; i < 2; i++ {
		obj, err := p.Borrow()
		require.NoError(t, err, "overflow borrow %d", i+1)
		assert.Equal(t, StateOverflow, obj.State())
		borrowed = append(borrowed, obj)
	}
	stats = p.Stats()
	assert.Equal(t, 4, stats.CurrentSize, "overflow objects are not counted in current size")
	assert.Equal(t, 2, stats.OverflowOutstanding)
	assert.Equal(t, uint64(2), stats.OverflowCreated)
	assert.Equal(t, uint64(2), stats.EmergencyActivations)

	_, err := p.Borrow()
	require.Error(t, err)
	assert.True(t, poolerrors.IsExhausted(err))

	// Exhaustion is recoverable: returning one object frees capacity.
	p.Return(borrowed[5])
	obj, err := p.Borrow()
	require.NoError(t, err)
	assert.Equal(t, StateOverflow, obj.State())
}

func TestUsageInvariant(t *testing.T) {
	p, _ := newTestPool(t, scenarioConfig())

	check := func() {
		s := p.Stats()
		assert.Equal(t, s.Borrowed-s.Returned, uint64(s.InUse),
			"borrowed-returned must equal in-use")
		assert.LessOrEqual(t, s.InUse, s.CurrentSize+s.OverflowOutstanding)
	}

	var out []*PooledObject
	for i := 0; i < 6; i++ {
		obj, err := p.Borrow()
		require.NoError(t, err)
		out = append(out, obj)
		check()
	}
	for _, obj := range out {
		p.Return(obj)
		check()
	}
}

func TestOverflowReturnDiscards(t *testing.T) {
	p, _ := newTestPool(t, scenarioConfig())

	var out []*PooledObject
	for i := 0; i < 5; i++ {
		obj, err := p.Borrow()
		require.NoError(t, err)
		out = append(out, obj)
	}

	overflow := out[4]
	require.Equal(t, StateOverflow, overflow.State())
	p.Return(overflow)

	stats := p.Stats()
	assert.Equal(t, 0, stats.OverflowOutstanding)
	assert.Equal(t, 0, stats.FreeSlots, "overflow objects never join the free set")
	assert.Nil(t, overflow.Value, "discarded overflow drops its payload")
}

func TestDoubleReturnIgnored(t *testing.T) {
	p, _ := newTestPool(t, scenarioConfig())

	obj, err := p.Borrow()
	require.NoError(t, err)
	p.Return(obj)
	p.Return(obj)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Returned)
	assert.Equal(t, 2, stats.FreeSlots)
}

func TestCooldownBlocksExpansion(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Cooldown = time.Hour
	p, _ := newTestPool(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := p.Borrow()
		require.NoError(t, err)
	}

	// First growth attempt is allowed (no prior resize), the second is
	// inside the cooldown window and must spill into overflow instead.
	obj, err := p.Borrow()
	require.NoError(t, err)
	assert.Equal(t, StateInUse, obj.State())

	obj, err = p.Borrow()
	require.NoError(t, err)
	assert.Equal(t, StateOverflow, obj.State())
	assert.Equal(t, 3, p.Stats().CurrentSize)
}

func TestFactoryFailureRollsBack(t *testing.T) {
	cfg := scenarioConfig()
	factory := &countingFactory{failAt: 3}
	p, err := New("request", factory, cfg, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := p.Borrow()
		require.NoError(t, err)
	}
	before := p.Stats()

	// Third borrow triggers an expansion whose creation fails.
	_, err = p.Borrow()
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeFactory))

	after := p.Stats()
	assert.Equal(t, before.CurrentSize, after.CurrentSize)
	assert.Equal(t, before.Borrowed, after.Borrowed)
	assert.Equal(t, before.Expanded, after.Expanded)
	assert.Equal(t, before.Created, after.Created)
}

func TestResizeShrinksFreeOnly(t *testing.T) {
	cfg := Config{
		InitialSize:    8,
		MaxSize:        16,
		EmergencyLimit: 32,
		ScaleThreshold: 0.8,
		GrowthFactor:   1.5,
		MinFloor:       1,
	}
	p, _ := newTestPool(t, cfg)

	var out []*PooledObject
	for i := 0; i < 6; i++ {
		obj, err := p.Borrow()
		require.NoError(t, err)
		out = append(out, obj)
	}

	// Halving 8 asks for size 4, but only 2 slots are free; the pool
	// shrinks by what is available and never evicts in-use objects.
	require.NoError(t, p.Resize(0.5))
	stats := p.Stats()
	assert.Equal(t, 6, stats.CurrentSize)
	assert.Equal(t, 0, stats.FreeSlots)
	assert.Equal(t, uint64(1), stats.Shrunk)

	for _, obj := range out {
		assert.Equal(t, StateInUse, obj.State())
		p.Return(obj)
	}
	assert.Equal(t, 6, p.Stats().FreeSlots)
}

func TestResizeGrowthAndClamps(t *testing.T) {
	cfg := scenarioConfig()
	p, _ := newTestPool(t, cfg)

	// Growth clamps at the ceiling (MaxSize when HardCeiling is unset).
	require.NoError(t, p.Resize(10))
	assert.Equal(t, 4, p.Stats().CurrentSize)

	// Shrink clamps at MinFloor.
	require.NoError(t, p.Resize(0.01))
	assert.Equal(t, 1, p.Stats().CurrentSize)

	require.Error(t, p.Resize(0))
	require.Error(t, p.Resize(-1))
}

func TestResizeWithLimitsScalesEnvelope(t *testing.T) {
	p, _ := newTestPool(t, scenarioConfig())

	require.NoError(t, p.ResizeWithLimits(0.5))
	stats := p.Stats()
	assert.Equal(t, 1, stats.CurrentSize)

	// MaxSize halved to 2: borrows beyond it must overflow.
	var pooled int
	for i := 0; i < 3; i++ {
		obj, err := p.Borrow()
		require.NoError(t, err)
		if obj.State() == StateInUse {
			pooled++
		}
	}
	assert.Equal(t, 2, pooled)
}

func TestConcurrentBorrowReturn(t *testing.T) {
	cfg := Config{
		InitialSize:    4,
		MaxSize:        32,
		EmergencyLimit: 256,
		ScaleThreshold: 0.8,
		GrowthFactor:   1.5,
		MinFloor:       1,
	}
	p, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				obj, err := p.Borrow()
				if err != nil {
					assert.True(t, poolerrors.IsExhausted(err))
					continue
				}
				p.Return(obj)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, stats.Borrowed, stats.Returned)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.OverflowOutstanding)
}

func TestCloseDropsFreeSlots(t *testing.T) {
	p, _ := newTestPool(t, scenarioConfig())

	obj, err := p.Borrow()
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, 0, p.Stats().CurrentSize)

	// The outstanding borrow is discarded on return, never re-pooled.
	p.Return(obj)
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Returned)
	assert.Equal(t, 0, stats.FreeSlots)
	assert.Equal(t, 0, stats.InUse)
	assert.Nil(t, obj.Value)

	// A closed pool refuses new borrows outright.
	_, err = p.Borrow()
	require.Error(t, err)
	assert.True(t, poolerrors.IsExhausted(err))
}
