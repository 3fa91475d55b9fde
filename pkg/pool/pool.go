package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmpool/swarmpool/pkg/poolerrors"
)

// State describes where a pooled object currently lives.
type State int32

const (
	// StateFree means the object sits in the pool's free set.
	StateFree State = iota
	// StateInUse means the object is exclusively owned by a borrower.
	StateInUse
	// StateOverflow marks a one-off object created beyond MaxSize. It is
	// not counted in CurrentSize and is discarded on return.
	StateOverflow
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateInUse:
		return "in_use"
	case StateOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// PooledObject is an opaque handle to a reusable resource. While InUse it is
// exclusively owned by the borrower; after Return the pool owns it again and
// the borrower must not touch Value.
type PooledObject struct {
	Kind       string
	Value      interface{}
	CreatedAt  time.Time
	LastUsedAt time.Time

	state State
}

// State reports the object's lifecycle state at the time of the call.
func (o *PooledObject) State() State {
	return o.state
}

// LocalPool is an in-process bounded pool for one object kind. It is safe
// for concurrent use; Borrow, Return, Resize, and Stats serialize on one
// mutex so the counter invariant borrowed-returned == inUse holds at every
// observation point.
type LocalPool struct {
	kind    string
	factory SlotFactory
	cfg     Config
	logger  *zap.Logger

	mu          sync.Mutex
	free        []*PooledObject
	currentSize int
	inUse       int // outstanding borrows, pooled + overflow
	overflow    int // outstanding overflow objects
	closed      bool
	lastResize  time.Time

	borrowed             uint64
	returned             uint64
	created              uint64
	expanded             uint64
	shrunk               uint64
	overflowCreated      uint64
	emergencyActivations uint64
}

// New creates a LocalPool for the given kind and pre-populates it with
// InitialSize slots. A factory failure during pre-population fails the
// whole construction.
func New(kind string, factory SlotFactory, cfg Config, logger *zap.Logger) (*LocalPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "slot factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &LocalPool{
		kind:    kind,
		factory: factory,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "local_pool"), zap.String("kind", kind)),
	}

	slots, err := p.createSlots(cfg.InitialSize, StateFree)
	if err != nil {
		return nil, err
	}
	p.free = slots
	p.currentSize = cfg.InitialSize
	p.created = uint64(cfg.InitialSize)

	p.logger.Debug("pool initialized",
		zap.Int("initial_size", cfg.InitialSize),
		zap.Int("max_size", cfg.MaxSize),
		zap.Int("emergency_limit", cfg.EmergencyLimit))

	return p, nil
}

// Kind returns the object kind this pool serves.
func (p *LocalPool) Kind() string {
	return p.kind
}

// Borrow hands out a pooled object. Resolution order: free slot, adaptive
// expansion (utilization >= ScaleThreshold, under MaxSize, cooldown
// elapsed), overflow object (under EmergencyLimit), then a pool_exhausted
// error. Exhaustion is recoverable: the caller must construct an unpooled
// object or reject the unit of work.
func (p *LocalPool) Borrow() (*PooledObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, poolerrors.Newf(poolerrors.ErrorTypeExhausted,
			"pool for kind %q is closed", p.kind)
	}

	if len(p.free) > 0 {
		return p.serveLocked(), nil
	}

	// No free slot. Utilization only counts pooled objects; overflow
	// objects live outside CurrentSize.
	pooledInUse := p.currentSize - len(p.free)
	utilization := 1.0
	if p.currentSize > 0 {
		utilization = float64(pooledInUse) / float64(p.currentSize)
	}

	if utilization >= p.cfg.ScaleThreshold && p.currentSize < p.cfg.MaxSize && p.cooldownElapsedLocked() {
		if err := p.expandLocked(); err != nil {
			return nil, err
		}
		return p.serveLocked(), nil
	}

	// Growth not permitted: spill into emergency overflow while the total
	// outstanding footprint stays under the emergency limit.
	if p.currentSize+p.overflow < p.cfg.EmergencyLimit {
		return p.createOverflowLocked()
	}

	return nil, poolerrors.Newf(poolerrors.ErrorTypeExhausted,
		"pool for kind %q exhausted", p.kind).
		WithDetail("current_size", p.currentSize).
		WithDetail("overflow_outstanding", p.overflow).
		WithDetail("emergency_limit", p.cfg.EmergencyLimit)
}

// serveLocked pops a free slot and marks it borrowed. Caller holds p.mu and
// has ensured the free set is non-empty.
func (p *LocalPool) serveLocked() *PooledObject {
	obj := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]

	obj.state = StateInUse
	obj.LastUsedAt = time.Now()
	p.inUse++
	p.borrowed++
	return obj
}

// expandLocked grows the slot count by GrowthFactor, capped at MaxSize.
// Slot creation is all-or-nothing: a factory failure leaves size and
// counters untouched.
func (p *LocalPool) expandLocked() error {
	target := int(float64(p.currentSize) * p.cfg.GrowthFactor)
	if target <= p.currentSize {
		target = p.currentSize + 1
	}
	if target > p.cfg.MaxSize {
		target = p.cfg.MaxSize
	}

	slots, err := p.createSlots(target-p.currentSize, StateFree)
	if err != nil {
		return err
	}

	p.free = append(p.free, slots...)
	p.created += uint64(len(slots))
	p.currentSize = target
	p.expanded++
	p.lastResize = time.Now()

	p.logger.Debug("pool expanded",
		zap.Int("new_size", p.currentSize),
		zap.Int("added", len(slots)))
	return nil
}

// createOverflowLocked builds a one-off object beyond MaxSize. Caller holds
// p.mu and has verified emergency headroom.
func (p *LocalPool) createOverflowLocked() (*PooledObject, error) {
	value, err := p.factory.Create(p.kind)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeFactory,
			"overflow creation failed").WithDetail("kind", p.kind)
	}

	now := time.Now()
	obj := &PooledObject{
		Kind:       p.kind,
		Value:      value,
		CreatedAt:  now,
		LastUsedAt: now,
		state:      StateOverflow,
	}

	p.overflow++
	p.inUse++
	p.borrowed++
	p.overflowCreated++
	p.emergencyActivations++

	p.logger.Warn("overflow object created",
		zap.Int("overflow_outstanding", p.overflow),
		zap.Int("emergency_limit", p.cfg.EmergencyLimit))
	return obj, nil
}

// Return gives an object back to the pool. Overflow objects are discarded,
// pooled objects are reset and re-enter the free set. Returning nil or an
// already-free object is a no-op.
func (p *LocalPool) Return(obj *PooledObject) {
	if obj == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch obj.state {
	case StateOverflow:
		obj.state = StateFree
		obj.Value = nil
		p.overflow--
		p.inUse--
		p.returned++
	case StateInUse:
		if p.closed {
			// The free set is gone; the object is discarded like overflow.
			obj.state = StateFree
			obj.Value = nil
			p.inUse--
			p.returned++
			return
		}
		p.factory.Reset(obj.Value)
		obj.state = StateFree
		obj.LastUsedAt = time.Now()
		p.free = append(p.free, obj)
		p.inUse--
		p.returned++
	default:
		p.logger.Warn("double return ignored", zap.String("state", obj.state.String()))
	}
}

// Resize multiplies the slot count by factor, clamped to
// [MinFloor, HardCeiling]. Shrinking removes slots from the free set only;
// InUse objects are never evicted, so the actual reduction may be smaller
// than requested. Growth creates slots all-or-nothing like expansion.
func (p *LocalPool) Resize(factor float64) error {
	return p.resize(factor, false)
}

// ResizeWithLimits behaves like Resize and additionally scales MaxSize and
// EmergencyLimit by the same factor, keeping the capacity envelope
// proportional under sustained pressure changes.
func (p *LocalPool) ResizeWithLimits(factor float64) error {
	return p.resize(factor, true)
}

func (p *LocalPool) resize(factor float64, scaleLimits bool) error {
	if factor <= 0 {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig, "resize factor %v must be positive", factor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if scaleLimits {
		maxSize := int(float64(p.cfg.MaxSize) * factor)
		if maxSize < p.cfg.MinFloor {
			maxSize = p.cfg.MinFloor
		}
		emergency := int(float64(p.cfg.EmergencyLimit) * factor)
		if emergency < maxSize {
			emergency = maxSize
		}
		p.cfg.MaxSize = maxSize
		p.cfg.EmergencyLimit = emergency
	}

	target := int(float64(p.currentSize)*factor + 0.5)
	if target < p.cfg.MinFloor {
		target = p.cfg.MinFloor
	}
	if ceil := p.cfg.ceiling(); target > ceil {
		target = ceil
	}

	switch {
	case target > p.currentSize:
		slots, err := p.createSlots(target-p.currentSize, StateFree)
		if err != nil {
			return err
		}
		p.free = append(p.free, slots...)
		p.created += uint64(len(slots))
		p.currentSize = target
		p.expanded++
	case target < p.currentSize:
		// Only free slots may be destroyed. If the free set is smaller
		// than the requested reduction, shrink by what is available.
		remove := p.currentSize - target
		if remove > len(p.free) {
			remove = len(p.free)
		}
		if remove > 0 {
			for i := len(p.free) - remove; i < len(p.free); i++ {
				p.free[i] = nil
			}
			p.free = p.free[:len(p.free)-remove]
			p.currentSize -= remove
			p.shrunk++
		}
	default:
		return nil
	}

	p.lastResize = time.Now()
	p.logger.Debug("pool resized",
		zap.Float64("factor", factor),
		zap.Int("current_size", p.currentSize))
	return nil
}

// Stats returns a copy-on-read snapshot of the pool's counters.
func (p *LocalPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Kind:                 p.kind,
		Borrowed:             p.borrowed,
		Returned:             p.returned,
		Created:              p.created,
		Expanded:             p.expanded,
		Shrunk:               p.shrunk,
		OverflowCreated:      p.overflowCreated,
		EmergencyActivations: p.emergencyActivations,
		CurrentSize:          p.currentSize,
		InUse:                p.inUse,
		FreeSlots:            len(p.free),
		OverflowOutstanding:  p.overflow,
		LastResize:           p.lastResize,
	}
}

// Close drops all free slots and refuses further borrows. Outstanding
// borrows keep their objects and are discarded on return.
func (p *LocalPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse > 0 {
		p.logger.Warn("closing pool with outstanding borrows", zap.Int("in_use", p.inUse))
	}
	for i := range p.free {
		p.free[i] = nil
	}
	p.free = nil
	p.currentSize = 0
	p.closed = true
}

// cooldownElapsedLocked reports whether enough time has passed since the
// last resize to permit another one.
func (p *LocalPool) cooldownElapsedLocked() bool {
	if p.cfg.Cooldown <= 0 {
		return true
	}
	return time.Since(p.lastResize) >= p.cfg.Cooldown
}

// createSlots builds n fresh objects. On any factory failure the partial
// batch is discarded and a factory error is returned, leaving the caller's
// counters untouched.
func (p *LocalPool) createSlots(n int, state State) ([]*PooledObject, error) {
	slots := make([]*PooledObject, 0, n)
	for i := 0; i < n; i++ {
		value, err := p.factory.Create(p.kind)
		if err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeFactory,
				"slot creation failed").
				WithDetail("kind", p.kind).
				WithDetail("slot_index", i)
		}
		now := time.Now()
		slots = append(slots, &PooledObject{
			Kind:      p.kind,
			Value:     value,
			CreatedAt: now,
			state:     state,
		})
	}
	return slots, nil
}
