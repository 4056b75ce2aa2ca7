package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
)

// State is a context's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateBound
	StateIdle
	StateRunning
	StateQuarantined
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateQuarantined:
		return "quarantined"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Context is one loaded script: its interpreter instance, its governor and
// its immutable grant. All methods are internal to the manager.
type Context struct {
	id          string
	name        string
	path        string
	trust       capability.TrustLevel
	granted     capability.Set
	lang        language.Language
	gov         *governor.Governor
	createdTick uint64
	log         logrus.FieldLogger

	// run serialises invocations. It is only ever acquired with TryLock so
	// a re-entrant or concurrent call fails instead of blocking.
	run sync.Mutex

	// Guarded by run.
	program     language.Program
	inst        language.Instance
	initialized bool
	violation   error

	mu         sync.Mutex
	state      State
	quarantine *Quarantine
	failures   int
	destroyed  bool
	closeOnce  sync.Once
}

// Info is a snapshot of a context for hosts and tools.
type Info struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Path        string                  `json:"path,omitempty"`
	Language    string                  `json:"language"`
	Trust       capability.TrustLevel   `json:"trust"`
	Granted     []capability.Capability `json:"granted"`
	State       State                   `json:"state"`
	Quarantine  *Quarantine             `json:"quarantine,omitempty"`
	Failures    int                     `json:"failures"`
	CreatedTick uint64                  `json:"created_tick"`
	Usage       governor.Usage          `json:"usage"`
}

func (c *Context) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	var q *Quarantine
	if c.quarantine != nil {
		cp := *c.quarantine
		q = &cp
	}
	return Info{
		ID:          c.id,
		Name:        c.name,
		Path:        c.path,
		Language:    c.lang.Name(),
		Trust:       c.trust,
		Granted:     c.granted.List(),
		State:       c.state,
		Quarantine:  q,
		Failures:    c.failures,
		CreatedTick: c.createdTick,
		Usage:       c.gov.Usage(),
	}
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	if !c.destroyed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Context) quarantined() *Quarantine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quarantine
}

func (c *Context) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// caller builds the call-site metadata host functions see. Refused calls
// are recorded on the context so the invocation is classified as a
// capability violation even if the script catches the error.
func (c *Context) caller(tick uint64) hostfunc.Caller {
	return hostfunc.Caller{
		ContextID: c.id,
		Script:    c.name,
		Trust:     c.trust,
		Granted:   c.granted,
		Tick:      tick,
		OnViolation: func(b hostfunc.Binding, err error) {
			if c.violation == nil {
				c.violation = err
			}
		},
	}
}

// instantiate runs a program's top-level code under the governor.
func (c *Context) instantiate(ctx context.Context, prog language.Program, bindings []hostfunc.Binding, tick uint64) (language.Instance, error) {
	ictx := c.gov.Begin(hostfunc.WithCaller(ctx, c.caller(tick)))
	inst, err := prog.Instantiate(ictx, bindings, c.gov)
	c.gov.End()
	return inst, err
}

// recordFailure counts a runtime error and reports whether the streak
// reached threshold.
func (c *Context) recordFailure(threshold int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return c.failures, c.failures >= threshold
}

func (c *Context) resetFailures() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *Context) enterQuarantine(reason QuarantineReason, tick uint64, detail string) *Quarantine {
	q := &Quarantine{Reason: reason, Tick: tick, Detail: detail, At: time.Now()}
	c.mu.Lock()
	c.quarantine = q
	if !c.destroyed {
		c.state = StateQuarantined
	}
	c.mu.Unlock()
	return q
}

func (c *Context) liftQuarantine() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quarantine == nil {
		return false
	}
	c.quarantine = nil
	c.failures = 0
	if !c.destroyed {
		c.state = StateIdle
	}
	return true
}

// close releases the interpreter and every governed byte. The caller must
// hold run or know no invocation can start.
func (c *Context) close() {
	c.closeOnce.Do(func() {
		if c.inst != nil {
			if err := c.inst.Close(); err != nil {
				c.log.WithError(err).Warn("close interpreter")
			}
		}
		c.gov.Release()
		c.mu.Lock()
		c.state = StateDestroyed
		c.mu.Unlock()
	})
}
