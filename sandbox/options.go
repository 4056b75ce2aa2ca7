package sandbox

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/language"
)

// DefaultFailureThreshold is the number of consecutive runtime errors that
// quarantines a context.
const DefaultFailureThreshold = 3

// Option configures a Manager.
type Option func(*config)

type config struct {
	log              logrus.FieldLogger
	languages        []language.Language
	limits           map[capability.TrustLevel]governor.Limits
	baseLimits       map[capability.TrustLevel]governor.Limits
	grantMode        GrantMode
	failureThreshold int
	workers          int
	cadence          governor.Cadence
	memoryCeiling    int64
	authority        *Authority
	meterProvider    metric.MeterProvider
	policy           *Policy
}

func defaultConfig() config {
	return config{
		log:              logrus.StandardLogger(),
		limits:           make(map[capability.TrustLevel]governor.Limits),
		baseLimits:       make(map[capability.TrustLevel]governor.Limits),
		failureThreshold: DefaultFailureThreshold,
		workers:          1,
		cadence:          governor.PerTick,
	}
}

func (c *config) limitsFor(level capability.TrustLevel) governor.Limits {
	if l, ok := c.limits[level]; ok {
		return l
	}
	return governor.LimitsFor(level)
}

// WithLogger sets the logger for lifecycle events and script output.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithLanguages replaces the default interpreters (Lua and WASM).
func WithLanguages(langs ...language.Language) Option {
	return func(c *config) {
		c.languages = langs
	}
}

// WithLimits sets the ceilings for contexts at level. A policy applied
// later with Manager.ApplyPolicy overrides them only for the levels it
// configures.
func WithLimits(level capability.TrustLevel, limits governor.Limits) Option {
	return func(c *config) {
		c.limits[level] = limits
		c.baseLimits[level] = limits
	}
}

// WithGrantMode selects how manifests asking for more than their trust
// level allows are handled.
func WithGrantMode(mode GrantMode) Option {
	return func(c *config) {
		c.grantMode = mode
	}
}

// WithFailureThreshold sets how many consecutive runtime errors quarantine
// a context.
func WithFailureThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// WithWorkers lets Tick and Dispatch run up to n contexts in parallel.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithCadence selects when instruction counters reset.
func WithCadence(cadence governor.Cadence) Option {
	return func(c *config) {
		c.cadence = cadence
	}
}

// WithMemoryCeiling bounds the memory of all contexts together.
func WithMemoryCeiling(bytes int64) Option {
	return func(c *config) {
		c.memoryCeiling = bytes
	}
}

// WithAuthority sets the token ResetQuarantine requires. Without it
// quarantine can never be lifted.
func WithAuthority(a *Authority) Option {
	return func(c *config) {
		c.authority = a
	}
}

// WithMeterProvider records telemetry with mp instead of the global
// provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

// WithPolicy applies a host policy file. Options given after it override
// its values.
func WithPolicy(p *Policy) Option {
	return func(c *config) {
		c.policy = p
		c.grantMode = p.GrantMode
		if p.FailureThreshold > 0 {
			c.failureThreshold = p.FailureThreshold
		}
		if p.Workers > 0 {
			c.workers = p.Workers
		}
		if p.Cadence != "" {
			c.cadence = p.cadence()
		}
		if p.MemoryCeiling > 0 {
			c.memoryCeiling = p.MemoryCeiling
		}
		for _, level := range capability.Levels {
			if _, ok := p.Limits[level]; ok || p.WallClock > 0 {
				c.limits[level] = p.LimitsFor(level)
			}
		}
	}
}
