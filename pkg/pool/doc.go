// Package pool provides adaptive, bounded object pooling for swarmpool.
// Each LocalPool serves borrow/return for a single object kind and scales
// its capacity in response to demand: it grows by a configurable factor
// while under its maximum size, spills into one-off overflow objects up to
// an emergency limit, and shrinks back down when the memory layer asks it
// to. All bookkeeping is serialized behind a single mutex so the usage
// counters stay exact under concurrent borrow/return traffic.
//
// Example usage:
//
//	factory := pool.FuncFactory{
//	    CreateFn: func(kind string) (interface{}, error) { return &Request{}, nil },
//	    ResetFn:  func(obj interface{}) { obj.(*Request).Reset() },
//	}
//	p, err := pool.New("request", factory, pool.DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//
//	obj, err := p.Borrow()
//	if poolerrors.IsExhausted(err) {
//	    // fall back to an unpooled object or shed load
//	}
//	defer p.Return(obj)
package pool
