package governor

import (
	"time"

	"github.com/caffeineduck/moonguard/capability"
)

// Limits are the ceilings enforced for one script context. A zero field
// means unlimited, except MaxAlloc: a zero MaxAlloc means DefaultMaxAlloc.
type Limits struct {
	MaxSteps  uint64        `yaml:"max_steps" json:"max_steps"`
	MaxMemory int64         `yaml:"max_memory" json:"max_memory"`
	MaxAlloc  int64         `yaml:"max_alloc" json:"max_alloc"`
	MaxDepth  int           `yaml:"max_depth" json:"max_depth"`
	WallClock time.Duration `yaml:"wall_clock" json:"wall_clock"`
}

const (
	// DefaultWallClock bounds a single invocation when no limit is configured.
	DefaultWallClock = 100 * time.Millisecond
	// DefaultMaxAlloc bounds one contiguous allocation made on a script's
	// behalf when MaxAlloc is zero.
	DefaultMaxAlloc  = 256 << 20
)

// AllocCeiling returns the effective single-allocation ceiling.
func (l Limits) AllocCeiling() int64 {
	if l.MaxAlloc > 0 {
		return l.MaxAlloc
	}
	return DefaultMaxAlloc
}

// DefaultLimits are applied to untrusted scripts.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:  10_000_000,
		MaxMemory: 64 << 20,
		MaxAlloc:  32 << 20,
		MaxDepth:  256,
		WallClock: DefaultWallClock,
	}
}

// VerifiedLimits are applied to verified scripts.
func VerifiedLimits() Limits {
	return Limits{
		MaxSteps:  50_000_000,
		MaxMemory: 128 << 20,
		MaxAlloc:  64 << 20,
		MaxDepth:  256,
		WallClock: DefaultWallClock,
	}
}

// TrustedLimits are applied to developer scripts. Steps and total memory
// are unbounded; single allocations, depth and the watchdog still apply.
func TrustedLimits() Limits {
	return Limits{
		MaxDepth:  512,
		WallClock: time.Second,
	}
}

// LimitsFor returns the preset for level.
func LimitsFor(level capability.TrustLevel) Limits {
	switch level {
	case capability.Trusted:
		return TrustedLimits()
	case capability.Verified:
		return VerifiedLimits()
	default:
		return DefaultLimits()
	}
}

// Cadence controls when the instruction counter is cleared.
type Cadence int

const (
	// PerTick keeps steps cumulative across the invocations of one tick.
	PerTick Cadence = iota
	// PerInvocation clears steps at the start of every invocation.
	PerInvocation
)

func (c Cadence) String() string {
	if c == PerInvocation {
		return "invocation"
	}
	return "tick"
}
