package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
)

var (
	ErrUnknownContext    = errors.New("unknown script context")
	ErrContextBusy       = errors.New("script context busy")
	ErrQuarantined       = errors.New("script context quarantined")
	ErrUnknownEntryPoint = errors.New("unknown entry point")
	ErrManagerClosed     = errors.New("sandbox manager closed")
	ErrUnauthorized      = errors.New("host authority required")
	ErrUnknownLanguage   = errors.New("no language for script")

	// ErrCapabilityDenied is returned by CreateContext under the strict
	// grant mode when the manifest requests capabilities above the
	// script's trust level.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrCapabilityViolation marks a host function refused because its
	// capability is not in the calling context's granted set.
	ErrCapabilityViolation = hostfunc.ErrCapabilityViolation
)

// Entry points a script may define.
const (
	EntryInit    = "init"
	EntryUpdate  = "update"
	EntryOnEvent = "on_event"
)

var entryPoints = map[string]bool{EntryInit: true, EntryUpdate: true, EntryOnEvent: true}

// Outcome is how an invocation ended.
type Outcome int

const (
	Completed Outcome = iota
	Aborted
	RuntimeError
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case RuntimeError:
		return "runtime_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is the structured record of one invocation.
type Result struct {
	ContextID string               `json:"context_id"`
	Script    string               `json:"script"`
	Entry     string               `json:"entry"`
	Tick      uint64               `json:"tick"`
	Outcome   Outcome              `json:"outcome"`
	Value     any                  `json:"value,omitempty"`
	Reason    governor.AbortReason `json:"reason,omitempty"`
	Message   string               `json:"message,omitempty"`
	Traceback string               `json:"traceback,omitempty"`
	Duration  time.Duration        `json:"duration"`
	Steps     uint64               `json:"steps"`
	PeakBytes int64                `json:"peak_bytes"`

	// Quarantine is set when this invocation quarantined the context.
	Quarantine *Quarantine `json:"quarantine,omitempty"`
}

// QuarantineReason says why a context was quarantined.
type QuarantineReason int

const (
	BudgetExceeded QuarantineReason = iota + 1
	CapabilityViolation
	RepeatedRuntimeError
)

func (r QuarantineReason) String() string {
	switch r {
	case BudgetExceeded:
		return "budget_exceeded"
	case CapabilityViolation:
		return "capability_violation"
	case RepeatedRuntimeError:
		return "repeated_runtime_error"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r QuarantineReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Quarantine records why and when a context stopped accepting invocations.
type Quarantine struct {
	Reason QuarantineReason `json:"reason"`
	Tick   uint64           `json:"tick"`
	Detail string           `json:"detail"`
	At     time.Time        `json:"at"`
}
