package governor

import "sync/atomic"

// Pool is the global memory accumulator shared by every context of a
// manager. It is the only governor state touched by more than one
// goroutine during parallel dispatch. A nil *Pool accepts everything.
type Pool struct {
	limit int64
	used  atomic.Int64
}

// NewPool returns a pool with the given ceiling in bytes; 0 means unlimited.
func NewPool(limit int64) *Pool {
	return &Pool{limit: limit}
}

// Reserve adds n bytes if that keeps the pool within its ceiling.
func (p *Pool) Reserve(n int64) bool {
	if p == nil || n <= 0 {
		return true
	}
	for {
		cur := p.used.Load()
		if p.limit > 0 && cur+n > p.limit {
			return false
		}
		if p.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Release returns n bytes to the pool.
func (p *Pool) Release(n int64) {
	if p == nil || n <= 0 {
		return
	}
	p.used.Add(-n)
}

// InUse returns the bytes currently reserved across all contexts.
func (p *Pool) InUse() int64 {
	if p == nil {
		return 0
	}
	return p.used.Load()
}

// Limit returns the ceiling in bytes.
func (p *Pool) Limit() int64 {
	if p == nil {
		return 0
	}
	return p.limit
}
