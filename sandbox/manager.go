package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
	"github.com/caffeineduck/moonguard/language/lua"
	"github.com/caffeineduck/moonguard/language/wasm"
	"github.com/caffeineduck/moonguard/manifest"
)

// Source is a script handed to CreateContext.
type Source struct {
	// Name identifies the script in logs and picks the language by
	// extension when Language is empty.
	Name     string
	Code     []byte
	Language string
	// Trust is assigned by the host and fixed for the context's lifetime.
	Trust capability.TrustLevel
}

// Manager owns the script contexts of one host.
type Manager struct {
	table *hostfunc.Table
	pool  *governor.Pool
	tel   *telemetry
	owned []io.Closer

	mu       sync.RWMutex
	cfg      config
	contexts map[string]*Context
	order    []*Context
	closed   bool

	tick atomic.Uint64
}

// New returns a manager serving the host functions in table. The table is
// sealed when the first context is created.
func New(table *hostfunc.Table, opts ...Option) (*Manager, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		table:    table,
		pool:     governor.NewPool(cfg.memoryCeiling),
		contexts: make(map[string]*Context),
	}

	if len(cfg.languages) == 0 {
		w, err := wasm.New(wasm.WithLogger(cfg.log))
		if err != nil {
			return nil, fmt.Errorf("create wasm runtime: %w", err)
		}
		cfg.languages = []language.Language{lua.New(lua.WithLogger(cfg.log)), w}
		m.owned = append(m.owned, w)
	}
	m.cfg = cfg

	tel, err := newTelemetry(cfg.meterProvider, m.MemoryInUse)
	if err != nil {
		m.closeOwned()
		return nil, fmt.Errorf("create telemetry: %w", err)
	}
	m.tel = tel
	return m, nil
}

func (m *Manager) conf() config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ApplyPolicy replaces the policy-controlled settings. Contexts that
// already exist keep their limits; the new grant mode, path rules and
// limits apply to contexts created afterwards. Limits are rebuilt from
// those given with WithLimits, so a level the new policy leaves out goes
// back to its base ceilings.
func (m *Manager) ApplyPolicy(p *Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	cfg.limits = make(map[capability.TrustLevel]governor.Limits, len(m.cfg.baseLimits))
	for k, v := range m.cfg.baseLimits {
		cfg.limits[k] = v
	}
	WithPolicy(p)(&cfg)
	m.cfg = cfg
}

// Table returns the host function table.
func (m *Manager) Table() *hostfunc.Table {
	return m.table
}

// CurrentTick returns the number of completed Tick calls.
func (m *Manager) CurrentTick() uint64 {
	return m.tick.Load()
}

// CreateContext compiles src and binds exactly the host functions its
// granted capabilities cover. granted = requested ∩ allowed(src.Trust).
func (m *Manager) CreateContext(ctx context.Context, src Source) (string, error) {
	return m.create(ctx, src, "", func(*manifest.Manifest) capability.TrustLevel {
		return src.Trust
	})
}

// Load reads a script file and creates a context for it. The trust level
// is the manifest's requested trust capped by the policy's path rules; a
// manifest without a trust field gets the path's trust.
func (m *Manager) Load(ctx context.Context, file string) (string, error) {
	code, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}
	policy := m.conf().policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	src := Source{Name: filepath.Base(file), Code: code}
	return m.create(ctx, src, file, func(mf *manifest.Manifest) capability.TrustLevel {
		return policy.Cap(file, mf.TrustOr(policy.TrustFor(file)))
	})
}

func (m *Manager) create(ctx context.Context, src Source, path string, trustFor func(*manifest.Manifest) capability.TrustLevel) (string, error) {
	cfg := m.conf()
	if m.isClosed() {
		return "", ErrManagerClosed
	}
	m.table.Seal()

	lang, err := m.languageFor(cfg, src)
	if err != nil {
		return "", err
	}
	prog, err := lang.Compile(ctx, src.Name, src.Code)
	if err != nil {
		return "", err
	}

	mf := prog.Manifest()
	trust := trustFor(mf)
	if !trust.Valid() {
		return "", fmt.Errorf("%s: invalid trust level %d", src.Name, int(trust))
	}
	granted, denied, err := m.table.Registry().Grant(trust, mf.Capabilities)
	if err != nil {
		return "", fmt.Errorf("%s: %w", src.Name, err)
	}

	log := cfg.log.WithFields(logrus.Fields{"script": src.Name, "trust": trust.String()})
	if denied.Len() > 0 {
		if cfg.grantMode == GrantStrict {
			return "", fmt.Errorf("%s: %w: %s not allowed at %s", src.Name, ErrCapabilityDenied, denied, trust)
		}
		log.WithField("denied", denied.String()).Warn("manifest requests capabilities above its trust level; narrowed")
	}

	c := &Context{
		id:          uuid.NewString(),
		name:        src.Name,
		path:        path,
		trust:       trust,
		granted:     granted,
		lang:        lang,
		gov:         governor.New(cfg.limitsFor(trust), governor.WithPool(m.pool), governor.WithCadence(cfg.cadence)),
		createdTick: m.tick.Load(),
		program:     prog,
		state:       StateCreated,
	}
	c.log = log.WithField("context", c.id)

	inst, err := c.instantiate(ctx, prog, m.table.For(granted), c.createdTick)
	if err != nil {
		c.gov.Release()
		return "", err
	}
	c.inst = inst
	c.setState(StateBound)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.close()
		return "", ErrManagerClosed
	}
	m.contexts[c.id] = c
	m.order = append(m.order, c)
	m.mu.Unlock()

	c.setState(StateIdle)
	m.tel.contextOpened(ctx)
	log.WithFields(logrus.Fields{
		"context": c.id,
		"granted": granted.String(),
		"lang":    lang.Name(),
	}).Info("script context created")
	return c.id, nil
}

func (m *Manager) languageFor(cfg config, src Source) (language.Language, error) {
	if src.Language != "" {
		if l, ok := language.ByName(cfg.languages, src.Language); ok {
			return l, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, src.Language)
	}
	if l, ok := language.ByExtension(cfg.languages, src.Name); ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLanguage, src.Name)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) lookup(id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	c, ok := m.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}
	return c, nil
}

func (m *Manager) snapshot() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Context, len(m.order))
	copy(out, m.order)
	return out
}

// Invoke runs entry on the context under its governor. Script faults are
// reported in the Result; the error is reserved for harness conditions
// (unknown context, busy, quarantined, cancelled by the caller).
func (m *Manager) Invoke(ctx context.Context, id, entry string, args ...any) (Result, error) {
	if !entryPoints[entry] {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEntryPoint, entry)
	}
	c, err := m.lookup(id)
	if err != nil {
		return Result{}, err
	}
	if !c.run.TryLock() {
		return Result{}, fmt.Errorf("%s: %w", id, ErrContextBusy)
	}
	defer c.run.Unlock()
	return m.invokeLocked(ctx, c, entry, args)
}

// invokeLocked runs one entry point. The caller holds c.run.
func (m *Manager) invokeLocked(ctx context.Context, c *Context, entry string, args []any) (Result, error) {
	if c.isDestroyed() {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownContext, c.id)
	}
	if q := c.quarantined(); q != nil {
		return Result{}, fmt.Errorf("%s: %w (%s)", c.id, ErrQuarantined, q.Reason)
	}

	tick := m.tick.Load()
	if entry == EntryInit {
		c.initialized = true
	}
	c.violation = nil
	c.setState(StateRunning)

	start := time.Now()
	ictx := c.gov.Begin(hostfunc.WithCaller(ctx, c.caller(tick)))
	v, err := c.inst.Call(ictx, entry, args...)
	reason := c.gov.End()
	usage := c.gov.Usage()

	r := Result{
		ContextID: c.id,
		Script:    c.name,
		Entry:     entry,
		Tick:      tick,
		Duration:  time.Since(start),
		Steps:     usage.Steps,
		PeakBytes: usage.PeakBytes,
	}
	log := c.log.WithFields(logrus.Fields{"entry": entry, "tick": tick})

	switch {
	case reason != governor.NotAborted:
		r.Outcome, r.Reason = Aborted, reason
		if err != nil {
			r.Message = err.Error()
		} else {
			r.Message = reason.String()
		}
		r.Quarantine = m.quarantine(ctx, c, BudgetExceeded, tick, reason.String())
	case c.violation != nil:
		r.Outcome = RuntimeError
		r.Message = c.violation.Error()
		r.Quarantine = m.quarantine(ctx, c, CapabilityViolation, tick, c.violation.Error())
	case err != nil && ctx.Err() != nil:
		c.setState(StateIdle)
		return Result{}, fmt.Errorf("invoke %s on %s: %w", entry, c.id, ctx.Err())
	case err != nil:
		r.Outcome = RuntimeError
		r.Message, r.Traceback = runtimeMessage(err)
		n, tripped := c.recordFailure(m.conf().failureThreshold)
		log.WithField("failures", n).WithError(err).Warn("script runtime error")
		if tripped {
			r.Quarantine = m.quarantine(ctx, c, RepeatedRuntimeError, tick,
				fmt.Sprintf("%d consecutive runtime errors, last: %s", n, r.Message))
		} else {
			c.setState(StateIdle)
		}
	default:
		r.Outcome, r.Value = Completed, v
		c.resetFailures()
		c.setState(StateIdle)
	}

	m.tel.recordInvocation(ctx, c, r)
	return r, nil
}

func runtimeMessage(err error) (string, string) {
	var rt *language.RuntimeError
	if errors.As(err, &rt) {
		return rt.Message, rt.Traceback
	}
	return err.Error(), ""
}

func (m *Manager) quarantine(ctx context.Context, c *Context, reason QuarantineReason, tick uint64, detail string) *Quarantine {
	q := c.enterQuarantine(reason, tick, detail)
	c.log.WithFields(logrus.Fields{
		"reason": reason.String(),
		"tick":   tick,
		"detail": detail,
	}).Error("script context quarantined")
	m.tel.recordQuarantine(ctx, c, q)
	cp := *q
	return &cp
}

// ResetQuarantine lets a quarantined context run again. Only the holder
// of the configured Authority may call it.
func (m *Manager) ResetQuarantine(auth *Authority, id string) error {
	want := m.conf().authority
	if want == nil || auth != want {
		return ErrUnauthorized
	}
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	if c.liftQuarantine() {
		c.log.Info("quarantine lifted by host")
	}
	return nil
}

// Reload replaces the context's program with code. The context keeps its
// ID, trust level, granted set and quarantine state; init runs again on
// the next tick. If code fails to compile or instantiate, the old program
// stays in place.
func (m *Manager) Reload(ctx context.Context, id string, code []byte) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !c.run.TryLock() {
		return fmt.Errorf("%s: %w", id, ErrContextBusy)
	}
	defer c.run.Unlock()
	if c.isDestroyed() {
		return fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}

	prog, err := c.lang.Compile(ctx, c.name, code)
	if err != nil {
		return err
	}
	if extra := prog.Manifest().Requested().Subtract(c.granted); extra.Len() > 0 {
		c.log.WithField("ignored", extra.String()).Warn("reloaded manifest requests capabilities outside the original grant")
	}

	inst, err := c.instantiate(ctx, prog, m.table.For(c.granted), m.tick.Load())
	if err != nil {
		return fmt.Errorf("reload %s: %w", c.name, err)
	}
	old := c.inst
	c.program, c.inst, c.initialized = prog, inst, false
	if err := old.Close(); err != nil {
		c.log.WithError(err).Warn("close replaced interpreter")
	}
	c.log.Info("script reloaded")
	return nil
}

// DestroyContext releases the context's interpreter and governed memory.
// A context in the middle of an invocation is released as soon as the
// invocation returns.
func (m *Manager) DestroyContext(id string) error {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if ok {
		delete(m.contexts, id)
		for i, o := range m.order {
			if o == c {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}

	m.destroy(c)
	m.tel.contextClosed(context.Background())
	c.log.Info("script context destroyed")
	return nil
}

func (m *Manager) destroy(c *Context) {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	if c.run.TryLock() {
		c.close()
		c.run.Unlock()
		return
	}
	go func() {
		c.run.Lock()
		defer c.run.Unlock()
		c.close()
	}()
}

// Info returns a snapshot of one context.
func (m *Manager) Info(id string) (Info, error) {
	c, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return c.info(), nil
}

// Contexts returns snapshots of every live context in creation order.
func (m *Manager) Contexts() []Info {
	ctxs := m.snapshot()
	out := make([]Info, len(ctxs))
	for i, c := range ctxs {
		out[i] = c.info()
	}
	return out
}

// MemoryInUse returns the governed memory of all contexts.
func (m *Manager) MemoryInUse() int64 {
	return m.pool.InUse()
}

// Close destroys every context. It waits for running invocations.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ctxs := m.order
	m.order, m.contexts = nil, map[string]*Context{}
	m.mu.Unlock()

	for _, c := range ctxs {
		c.mu.Lock()
		c.destroyed = true
		c.mu.Unlock()
		c.run.Lock()
		c.close()
		c.run.Unlock()
		m.tel.contextClosed(context.Background())
	}
	return m.closeOwned()
}

func (m *Manager) closeOwned() error {
	var errs []error
	for _, c := range m.owned {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.owned = nil
	return errors.Join(errs...)
}
