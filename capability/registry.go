package capability

import (
	"fmt"
	"sort"
)

// Registry maps capability names to the trust level required to receive
// them. A Registry is produced by a Builder and has no mutating methods, so
// concurrent readers need no locking.
type Registry struct {
	required map[Capability]TrustLevel
}

// Builder collects capability definitions during host startup.
type Builder struct {
	required map[Capability]TrustLevel
	err      error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{required: make(map[Capability]TrustLevel)}
}

// Define records that c requires at least level. The first error sticks and
// is reported by Build.
func (b *Builder) Define(c Capability, level TrustLevel) *Builder {
	if b.err != nil {
		return b
	}
	if c == "" {
		b.err = fmt.Errorf("define capability: empty name")
		return b
	}
	if !level.Valid() {
		b.err = fmt.Errorf("define %s: invalid trust level %d", c, int(level))
		return b
	}
	if _, exists := b.required[c]; exists {
		b.err = fmt.Errorf("define %s: %w", c, ErrDuplicateCapability)
		return b
	}
	b.required[c] = level
	return b
}

// Build freezes the definitions into a Registry. The builder must not be
// reused afterwards.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	required := make(map[Capability]TrustLevel, len(b.required))
	for c, level := range b.required {
		required[c] = level
	}
	return &Registry{required: required}, nil
}

// Default returns the built-in capability table of the engine.
func Default() *Registry {
	r, err := NewBuilder().
		Define(Log, Untrusted).
		Define(Math, Untrusted).
		Define(Time, Untrusted).
		Define(Input, Untrusted).
		Define(EntityRead, Untrusted).
		Define(PhysicsRaycast, Untrusted).
		Define(AudioPlay, Untrusted).
		Define(EntityWrite, Verified).
		Define(ConfigRead, Verified).
		Define(SceneLoad, Verified).
		Define(ConfigWrite, Trusted).
		Define(Debug, Trusted).
		Define(FSReadGameDir, Trusted).
		Define(FSWriteGameDir, Trusted).
		Define(NetHTTP, Trusted).
		Build()
	if err != nil {
		panic("capability: default table: " + err.Error())
	}
	return r
}

// RequiredTrust returns the minimum trust level for c.
func (r *Registry) RequiredTrust(c Capability) (TrustLevel, error) {
	level, ok := r.required[c]
	if !ok {
		return Untrusted, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	return level, nil
}

// Known reports whether c was defined.
func (r *Registry) Known(c Capability) bool {
	_, ok := r.required[c]
	return ok
}

// All returns every defined capability sorted by name.
func (r *Registry) All() []Capability {
	out := make([]Capability, 0, len(r.required))
	for c := range r.required {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Allowed returns every capability whose required trust is at most level.
func (r *Registry) Allowed(level TrustLevel) Set {
	var caps []Capability
	for c, required := range r.required {
		if required <= level {
			caps = append(caps, c)
		}
	}
	return NewSet(caps...)
}

// Grant computes requested ∩ Allowed(level). The second result holds the
// requested capabilities that the level does not permit. Requesting a name
// the registry never defined is an error.
func (r *Registry) Grant(level TrustLevel, requested []Capability) (granted, denied Set, err error) {
	for _, c := range requested {
		if !r.Known(c) {
			return Set{}, Set{}, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
		}
	}
	want := NewSet(requested...)
	allowed := r.Allowed(level)
	return want.Intersect(allowed), want.Subtract(allowed), nil
}
