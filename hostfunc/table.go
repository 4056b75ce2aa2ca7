package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/caffeineduck/moonguard/capability"
)

// Func is a host function. Arguments arrive positionally as nil, bool,
// float64, string, []any or map[string]any; the result uses the same set.
type Func func(ctx context.Context, args []any) (any, error)

// Variadic marks a binding whose argument count is not fixed. Interpreters
// that need static signatures skip such bindings.
const Variadic = -1

var (
	// ErrDuplicateBinding is returned when a name is registered twice.
	ErrDuplicateBinding = errors.New("binding already registered")
	// ErrTableSealed is returned by Register once the table is in use.
	ErrTableSealed = errors.New("binding table sealed")
	// ErrInvalidName is returned for names that are not dotted identifiers
	// or that collide with another binding's namespace.
	ErrInvalidName = errors.New("invalid binding name")
	// ErrCapabilityViolation is returned when a bound function is called on
	// behalf of a context whose granted set does not contain its capability.
	ErrCapabilityViolation = errors.New("capability violation")
)

// Binding ties a script-visible name to a host function and the capability
// that guards it.
type Binding struct {
	Capability capability.Capability
	Name       string
	Arity      int
	Func       Func
}

// Call runs the function on behalf of the caller carried by ctx. A caller
// whose granted set lacks the binding's capability is refused, and a panic
// inside the host function is returned as an error.
func (b Binding) Call(ctx context.Context, args []any) (result any, err error) {
	if c, ok := CallerFrom(ctx); ok && !c.Granted.Has(b.Capability) {
		err := fmt.Errorf("%s: %w: %s not granted", b.Name, ErrCapabilityViolation, b.Capability)
		if c.OnViolation != nil {
			c.OnViolation(b, err)
		}
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%s: host function panicked: %v", b.Name, r)
		}
	}()
	return b.Func(ctx, args)
}

// Path splits the name into its namespace segments.
func (b Binding) Path() []string {
	return strings.Split(b.Name, ".")
}

// Table is the set of host functions a host offers to scripts. It is
// populated at startup and sealed before the first context is created.
type Table struct {
	registry *capability.Registry

	mu       sync.RWMutex
	sealed   bool
	bindings map[string]Binding
}

// NewTable returns an empty table whose capabilities are checked against r.
func NewTable(r *capability.Registry) *Table {
	return &Table{registry: r, bindings: make(map[string]Binding)}
}

// Registry returns the capability registry the table checks against.
func (t *Table) Registry() *capability.Registry {
	return t.registry
}

// Register adds a variadic binding.
func (t *Table) Register(c capability.Capability, name string, fn Func) error {
	return t.RegisterArity(c, name, Variadic, fn)
}

// RegisterArity adds a binding taking exactly arity numeric arguments.
func (t *Table) RegisterArity(c capability.Capability, name string, arity int, fn Func) error {
	if fn == nil {
		return fmt.Errorf("register %s: nil function", name)
	}
	if !validName(name) {
		return fmt.Errorf("register %q: %w", name, ErrInvalidName)
	}
	if !t.registry.Known(c) {
		return fmt.Errorf("register %s: %w: %q", name, capability.ErrUnknownCapability, c)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return fmt.Errorf("register %s: %w", name, ErrTableSealed)
	}
	if _, ok := t.bindings[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateBinding)
	}
	for other := range t.bindings {
		if strings.HasPrefix(other, name+".") || strings.HasPrefix(name, other+".") {
			return fmt.Errorf("register %s: %w: collides with %s", name, ErrInvalidName, other)
		}
	}
	t.bindings[name] = Binding{Capability: c, Name: name, Arity: arity, Func: fn}
	return nil
}

// Seal forbids further registration.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (t *Table) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}

// Get returns the binding registered under name.
func (t *Table) Get(name string) (Binding, bool) {
	t.mu.RLock()
	b, ok := t.bindings[name]
	t.mu.RUnlock()
	return b, ok
}

// List returns every binding sorted by name.
func (t *Table) List() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// For returns the bindings a context holding granted may see, sorted by
// name. Bindings outside the set are simply absent.
func (t *Table) For(granted capability.Set) []Binding {
	all := t.List()
	out := all[:0]
	for _, b := range all {
		if granted.Has(b.Capability) {
			out = append(out, b)
		}
	}
	return out
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case i > 0 && r >= '0' && r <= '9':
			default:
				return false
			}
		}
	}
	return true
}
