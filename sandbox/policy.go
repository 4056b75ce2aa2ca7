package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
)

// GrantMode decides what happens when a manifest requests capabilities its
// trust level does not allow.
type GrantMode int

const (
	// GrantNarrow drops the excess capabilities and logs a warning.
	GrantNarrow GrantMode = iota
	// GrantStrict refuses to create the context.
	GrantStrict
)

func (m GrantMode) String() string {
	if m == GrantStrict {
		return "strict"
	}
	return "narrow"
}

// MarshalText implements encoding.TextMarshaler.
func (m GrantMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *GrantMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "narrow", "":
		*m = GrantNarrow
	case "strict":
		*m = GrantStrict
	default:
		return fmt.Errorf("unknown grant mode %q (expected narrow or strict)", text)
	}
	return nil
}

// LimitsConfig overrides individual ceilings of a trust level's preset.
type LimitsConfig struct {
	MaxSteps  *uint64        `yaml:"max_steps,omitempty"`
	MaxMemory *int64         `yaml:"max_memory,omitempty"`
	MaxAlloc  *int64         `yaml:"max_alloc,omitempty"`
	MaxDepth  *int           `yaml:"max_depth,omitempty"`
	WallClock *time.Duration `yaml:"wall_clock,omitempty"`
}

// PathRule assigns the highest trust a script under Pattern may run with.
// Pattern uses path.Match syntax on slash-separated paths; a trailing "/**"
// matches everything below a directory.
type PathRule struct {
	Pattern string                `yaml:"pattern"`
	Trust   capability.TrustLevel `yaml:"trust"`
}

// Policy is the host's sandbox configuration file.
type Policy struct {
	GrantMode        GrantMode                              `yaml:"grant_mode"`
	FailureThreshold int                                    `yaml:"failure_threshold,omitempty"`
	Workers          int                                    `yaml:"workers,omitempty"`
	Cadence          string                                 `yaml:"cadence,omitempty"`
	MemoryCeiling    int64                                  `yaml:"memory_ceiling,omitempty"`
	WallClock        time.Duration                          `yaml:"wall_clock,omitempty"`
	Limits           map[capability.TrustLevel]LimitsConfig `yaml:"limits,omitempty"`
	DefaultTrust     capability.TrustLevel                  `yaml:"default_trust"`
	Paths            []PathRule                             `yaml:"paths,omitempty"`
}

// DefaultPolicy narrows silently, treats every script as untrusted and
// uses the preset limits.
func DefaultPolicy() *Policy {
	return &Policy{}
}

// LoadPolicy reads a policy file.
func LoadPolicy(file string) (*Policy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates a YAML policy. Unknown keys are
// rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) validate() error {
	if p.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must not be negative")
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if p.MemoryCeiling < 0 {
		return fmt.Errorf("memory_ceiling must not be negative")
	}
	switch p.Cadence {
	case "", "tick", "invocation":
	default:
		return fmt.Errorf("unknown cadence %q (expected tick or invocation)", p.Cadence)
	}
	if !p.DefaultTrust.Valid() {
		return fmt.Errorf("invalid default_trust")
	}
	for i, r := range p.Paths {
		if r.Pattern == "" {
			return fmt.Errorf("paths[%d]: empty pattern", i)
		}
		if _, err := path.Match(strings.TrimSuffix(r.Pattern, "/**"), ""); err != nil {
			return fmt.Errorf("paths[%d]: %w", i, err)
		}
	}
	return nil
}

func (p *Policy) cadence() governor.Cadence {
	if p.Cadence == "invocation" {
		return governor.PerInvocation
	}
	return governor.PerTick
}

// resolve applies the overrides for level on top of its preset.
func (p *Policy) resolve(level capability.TrustLevel, lc LimitsConfig) governor.Limits {
	l := governor.LimitsFor(level)
	if p.WallClock > 0 {
		l.WallClock = p.WallClock
	}
	if lc.MaxSteps != nil {
		l.MaxSteps = *lc.MaxSteps
	}
	if lc.MaxMemory != nil {
		l.MaxMemory = *lc.MaxMemory
	}
	if lc.MaxAlloc != nil {
		l.MaxAlloc = *lc.MaxAlloc
	}
	if lc.MaxDepth != nil {
		l.MaxDepth = *lc.MaxDepth
	}
	if lc.WallClock != nil {
		l.WallClock = *lc.WallClock
	}
	return l
}

// LimitsFor returns the effective ceilings for level.
func (p *Policy) LimitsFor(level capability.TrustLevel) governor.Limits {
	return p.resolve(level, p.Limits[level])
}

// TrustFor returns the highest trust a script at file may receive. The
// first matching rule wins; without a match DefaultTrust applies.
func (p *Policy) TrustFor(file string) capability.TrustLevel {
	file = filepath.ToSlash(filepath.Clean(file))
	for _, r := range p.Paths {
		if matchPath(r.Pattern, file) {
			return r.Trust
		}
	}
	return p.DefaultTrust
}

// Cap lowers requested to the trust the policy allows for file.
func (p *Policy) Cap(file string, requested capability.TrustLevel) capability.TrustLevel {
	if limit := p.TrustFor(file); requested > limit {
		return limit
	}
	return requested
}

func matchPath(pattern, file string) bool {
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		for d := path.Dir(file); ; d = path.Dir(d) {
			if m, _ := path.Match(dir, d); m {
				return true
			}
			if d == "." || d == "/" {
				return false
			}
		}
	}
	if !strings.Contains(pattern, "/") {
		file = path.Base(file)
	}
	m, _ := path.Match(pattern, file)
	return m
}
