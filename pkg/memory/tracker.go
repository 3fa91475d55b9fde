package memory

import (
	"time"
	"weak"

	"go.uber.org/zap"
)

// trackedRef is a non-owning registration of a long-lived object. alive
// reports whether the underlying object is still reachable.
type trackedRef struct {
	kind       string
	registered time.Time
	deadline   time.Time
	alive      func() bool
}

// Track registers an object with the leak detector. The monitor holds only
// a weak reference, so tracking never keeps an object alive; the sweep
// drops entries once the object is collected or its per-kind lifetime
// expires. This is a diagnostic aid, not a reclamation path.
func Track[T any](m *Monitor, kind string, obj *T) {
	if obj == nil {
		return
	}
	wp := weak.Make(obj)
	m.track(kind, func() bool { return wp.Value() != nil })
}

func (m *Monitor) track(kind string, alive func() bool) {
	now := time.Now()
	lifetime := m.cfg.DefaultTrackedLifetime
	if override, ok := m.cfg.TrackedLifetimes[kind]; ok {
		lifetime = override
	}

	m.mu.Lock()
	m.trackSeq++
	m.tracked[m.trackSeq] = &trackedRef{
		kind:       kind,
		registered: now,
		deadline:   now.Add(lifetime),
		alive:      alive,
	}
	m.mu.Unlock()
}

// Sweep drops tracked entries whose object was collected or whose lifetime
// expired, and reports how many entries outlived their deadline while still
// reachable. Those are leak suspects: something is holding a pooled object
// past its expected lifetime.
func (m *Monitor) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(time.Now())
}

func (m *Monitor) sweepLocked(now time.Time) int {
	leaked := 0
	for id, ref := range m.tracked {
		if !ref.alive() {
			delete(m.tracked, id)
			continue
		}
		if now.After(ref.deadline) {
			leaked++
			delete(m.tracked, id)
			m.logger.Warn("tracked object outlived its expected lifetime",
				zap.String("kind", ref.kind),
				zap.Duration("age", now.Sub(ref.registered)))
		}
	}
	return leaked
}
