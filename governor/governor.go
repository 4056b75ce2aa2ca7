// Package governor enforces instruction, memory, and call-depth ceilings for
// one script context.
//
// Enforcement is cooperative. Interpreters consult the governor at every
// boundary crossing they can observe (host-function calls, function calls,
// allocations). Nothing preempts code that never crosses a boundary: a tight
// loop with no calls and no allocations is only stopped by the wall-clock
// watchdog, and only when the interpreter itself polls the invocation
// context.
package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Usage is a snapshot of the counters.
type Usage struct {
	Steps      uint64 `json:"steps"`
	LiveBytes  int64  `json:"live_bytes"`
	PeakBytes  int64  `json:"peak_bytes"`
	Depth      int    `json:"depth"`
	TotalSteps uint64 `json:"total_steps"`
}

// Governor holds the counters of one script context. Counters are private
// to the context; only the optional Pool is shared.
type Governor struct {
	limits  Limits
	cadence Cadence
	pool    *Pool

	steps      atomic.Uint64
	totalSteps atomic.Uint64
	live       atomic.Int64
	peak       atomic.Int64
	depth      atomic.Int32

	abort atomic.Pointer[AbortError]

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Governor.
type Option func(*Governor)

// WithPool charges allocations to a shared pool as well as to the context.
func WithPool(p *Pool) Option {
	return func(g *Governor) {
		g.pool = p
	}
}

// WithCadence selects when the step counter is cleared.
func WithCadence(c Cadence) Option {
	return func(g *Governor) {
		g.cadence = c
	}
}

// New returns a governor enforcing limits.
func New(limits Limits, opts ...Option) *Governor {
	g := &Governor{limits: limits}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits returns the configured ceilings.
func (g *Governor) Limits() Limits {
	return g.limits
}

// Begin starts an invocation. The returned context carries the watchdog
// deadline and the governor itself; it is cancelled as soon as a ceiling is
// crossed so interpreters polling it stop at their next check-point. The
// caller must call End.
func (g *Governor) Begin(parent context.Context) context.Context {
	g.abort.Store(nil)
	g.depth.Store(0)
	if g.cadence == PerInvocation {
		g.steps.Store(0)
	}

	ctx, cancel := context.WithCancel(parent)
	if g.limits.WallClock > 0 {
		timed, cancelTimer := context.WithTimeout(ctx, g.limits.WallClock)
		cancelParent := cancel
		ctx, cancel = timed, func() {
			cancelTimer()
			cancelParent()
		}
	}
	ctx = NewContext(ctx, g)

	g.mu.Lock()
	g.ctx, g.cancel = ctx, cancel
	g.mu.Unlock()
	return ctx
}

// End finishes the invocation and reports the abort reason, if any. A
// deadline reached without any other violation is reported as
// WallClockTimeout.
func (g *Governor) End() AbortReason {
	g.mu.Lock()
	ctx, cancel := g.ctx, g.cancel
	g.ctx, g.cancel = nil, nil
	g.mu.Unlock()

	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		g.trip(WallClockTimeout, int64(g.limits.WallClock), 0)
	}
	if cancel != nil {
		cancel()
	}
	g.depth.Store(0)

	if a := g.abort.Load(); a != nil {
		return a.Reason
	}
	return NotAborted
}

// Aborted returns the recorded violation of the current or last invocation.
func (g *Governor) Aborted() *AbortError {
	return g.abort.Load()
}

// Check is a zero-cost check-point: it fails if a ceiling was already
// crossed or the watchdog fired.
func (g *Governor) Check() error {
	if a := g.abort.Load(); a != nil {
		return a
	}
	g.mu.Lock()
	ctx := g.ctx
	g.mu.Unlock()
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return g.trip(WallClockTimeout, int64(g.limits.WallClock), 0)
	}
	return nil
}

// Step charges n instruction steps.
func (g *Governor) Step(n uint64) error {
	if err := g.Check(); err != nil {
		return err
	}
	cur := g.steps.Add(n)
	g.totalSteps.Add(n)
	if g.limits.MaxSteps > 0 && cur > g.limits.MaxSteps {
		return g.trip(InstructionBudgetExceeded, int64(g.limits.MaxSteps), int64(cur))
	}
	return nil
}

// Alloc charges n bytes. A rejected allocation is not applied: the live
// counter stays at its previous value.
func (g *Governor) Alloc(n int64) error {
	if err := g.Check(); err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	cur := g.live.Load()
	if g.limits.MaxMemory > 0 && cur+n > g.limits.MaxMemory {
		return g.trip(MemoryCeilingExceeded, g.limits.MaxMemory, cur+n)
	}
	if !g.pool.Reserve(n) {
		return g.trip(MemoryCeilingExceeded, g.pool.Limit(), g.pool.InUse()+n)
	}
	cur = g.live.Add(n)
	for {
		peak := g.peak.Load()
		if cur <= peak || g.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	return nil
}

// AllocBlock charges one contiguous allocation of n bytes. Blocks above
// the single-allocation ceiling are refused even when total memory is
// unlimited.
func (g *Governor) AllocBlock(n int64) error {
	if max := g.limits.AllocCeiling(); n > max {
		return g.trip(MemoryCeilingExceeded, max, n)
	}
	return g.Alloc(n)
}

// Free returns n bytes.
func (g *Governor) Free(n int64) {
	if n <= 0 {
		return
	}
	for {
		cur := g.live.Load()
		if n > cur {
			n = cur
		}
		if g.live.CompareAndSwap(cur, cur-n) {
			break
		}
	}
	g.pool.Release(n)
}

// Enter records a nested call. The frame is refused when it would exceed
// the depth ceiling.
func (g *Governor) Enter() error {
	if err := g.Check(); err != nil {
		return err
	}
	cur := g.depth.Add(1)
	if g.limits.MaxDepth > 0 && int(cur) > g.limits.MaxDepth {
		g.depth.Add(-1)
		return g.trip(StackDepthExceeded, int64(g.limits.MaxDepth), int64(cur))
	}
	return nil
}

// Leave records a return from a call entered with Enter.
func (g *Governor) Leave() {
	for {
		cur := g.depth.Load()
		if cur <= 0 || g.depth.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Observe checks a depth reported by an interpreter that tracks frames
// itself and exposes the count only at check-points.
func (g *Governor) Observe(depth int) error {
	if err := g.Check(); err != nil {
		return err
	}
	if g.limits.MaxDepth > 0 && depth > g.limits.MaxDepth {
		return g.trip(StackDepthExceeded, int64(g.limits.MaxDepth), int64(depth))
	}
	return nil
}

// Trip records a violation detected by the interpreter itself, for example
// its own call-stack guard.
func (g *Governor) Trip(reason AbortReason) error {
	var limit int64
	switch reason {
	case InstructionBudgetExceeded:
		limit = int64(g.limits.MaxSteps)
	case MemoryCeilingExceeded:
		limit = g.limits.MaxMemory
	case StackDepthExceeded:
		limit = int64(g.limits.MaxDepth)
	case WallClockTimeout:
		limit = int64(g.limits.WallClock)
	}
	return g.trip(reason, limit, 0)
}

func (g *Governor) trip(reason AbortReason, limit, consumed int64) error {
	a := &AbortError{Reason: reason, Limit: limit, Consumed: consumed}
	if !g.abort.CompareAndSwap(nil, a) {
		return g.abort.Load()
	}
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return a
}

// ResetTick clears the per-tick counters.
func (g *Governor) ResetTick() {
	if g.cadence == PerTick {
		g.steps.Store(0)
	}
	g.depth.Store(0)
}

// Release frees every live byte. Called when the context is destroyed.
func (g *Governor) Release() {
	g.Free(g.live.Load())
}

// Usage returns a snapshot of the counters.
func (g *Governor) Usage() Usage {
	return Usage{
		Steps:      g.steps.Load(),
		TotalSteps: g.totalSteps.Load(),
		LiveBytes:  g.live.Load(),
		PeakBytes:  g.peak.Load(),
		Depth:      int(g.depth.Load()),
	}
}

type contextKey struct{}

// NewContext returns ctx carrying g.
func NewContext(ctx context.Context, g *Governor) context.Context {
	return context.WithValue(ctx, contextKey{}, g)
}

// FromContext returns the governor carried by ctx, if any.
func FromContext(ctx context.Context) (*Governor, bool) {
	g, ok := ctx.Value(contextKey{}).(*Governor)
	return g, ok
}
