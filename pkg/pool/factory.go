package pool

// SlotFactory constructs and scrubs pooled objects of a given kind. It is
// supplied by the hosting application and must be stateless: the pool may
// call it from any goroutine while holding internal locks, so Create and
// Reset must not call back into the pool.
type SlotFactory interface {
	// Create builds a fresh object for the given kind.
	Create(kind string) (interface{}, error)
	// Reset scrubs per-use state from an object before it re-enters the
	// free set.
	Reset(obj interface{})
}

// FuncFactory adapts plain functions to the SlotFactory interface.
type FuncFactory struct {
	CreateFn func(kind string) (interface{}, error)
	ResetFn  func(obj interface{})
}

// Create implements SlotFactory.
func (f FuncFactory) Create(kind string) (interface{}, error) {
	return f.CreateFn(kind)
}

// Reset implements SlotFactory. A nil ResetFn is a no-op.
func (f FuncFactory) Reset(obj interface{}) {
	if f.ResetFn != nil {
		f.ResetFn(obj)
	}
}
