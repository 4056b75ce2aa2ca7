package sandbox

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Tick advances the tick counter and drives every healthy context: init
// once for contexts that have not run it, then update(dt, tick).
// Quarantined and busy contexts are skipped. With more than one worker,
// contexts run in parallel; each context still runs on one goroutine at a
// time.
func (m *Manager) Tick(ctx context.Context, dt float64) ([]Result, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	tick := m.tick.Add(1)
	return m.each(ctx, func(ctx context.Context, c *Context) ([]Result, error) {
		if !c.run.TryLock() {
			return nil, nil
		}
		defer c.run.Unlock()
		if c.isDestroyed() || c.quarantined() != nil {
			return nil, nil
		}
		c.gov.ResetTick()

		var out []Result
		if !c.initialized {
			r, err := m.invokeLocked(ctx, c, EntryInit, nil)
			if err != nil {
				return out, skipHarness(err)
			}
			out = append(out, r)
			if r.Quarantine != nil {
				return out, nil
			}
		}
		r, err := m.invokeLocked(ctx, c, EntryUpdate, []any{dt, float64(tick)})
		if err != nil {
			return out, skipHarness(err)
		}
		return append(out, r), nil
	})
}

// Dispatch delivers an event to every healthy context's on_event hook.
func (m *Manager) Dispatch(ctx context.Context, event string, payload any) ([]Result, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	return m.each(ctx, func(ctx context.Context, c *Context) ([]Result, error) {
		if !c.run.TryLock() {
			return nil, nil
		}
		defer c.run.Unlock()
		if c.isDestroyed() || c.quarantined() != nil || !c.inst.Has(EntryOnEvent) {
			return nil, nil
		}
		r, err := m.invokeLocked(ctx, c, EntryOnEvent, []any{event, payload})
		if err != nil {
			return nil, skipHarness(err)
		}
		return []Result{r}, nil
	})
}

// skipHarness drops the harness errors that only mean "not this context
// right now" and keeps the ones that should stop the whole pass.
func skipHarness(err error) error {
	if errors.Is(err, ErrQuarantined) || errors.Is(err, ErrUnknownContext) || errors.Is(err, ErrContextBusy) {
		return nil
	}
	return err
}

// each runs fn for every live context in creation order, on the worker
// pool when one is configured. Results keep creation order.
func (m *Manager) each(ctx context.Context, fn func(context.Context, *Context) ([]Result, error)) ([]Result, error) {
	ctxs := m.snapshot()
	slots := make([][]Result, len(ctxs))

	var err error
	if workers := m.conf().workers; workers > 1 && len(ctxs) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, c := range ctxs {
			i, c := i, c
			g.Go(func() error {
				rs, err := fn(gctx, c)
				slots[i] = rs
				return err
			})
		}
		err = g.Wait()
	} else {
		for i, c := range ctxs {
			if err = ctx.Err(); err != nil {
				break
			}
			var rs []Result
			rs, err = fn(ctx, c)
			slots[i] = rs
			if err != nil {
				break
			}
		}
	}

	var out []Result
	for _, rs := range slots {
		out = append(out, rs...)
	}
	return out, err
}
