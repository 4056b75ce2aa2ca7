package governor

import (
	"errors"
	"fmt"
)

// AbortReason says why the governor stopped an invocation.
type AbortReason int

const (
	// NotAborted is the zero value.
	NotAborted AbortReason = iota
	InstructionBudgetExceeded
	MemoryCeilingExceeded
	StackDepthExceeded
	WallClockTimeout
)

func (r AbortReason) String() string {
	switch r {
	case InstructionBudgetExceeded:
		return "instruction_budget_exceeded"
	case MemoryCeilingExceeded:
		return "memory_ceiling_exceeded"
	case StackDepthExceeded:
		return "stack_depth_exceeded"
	case WallClockTimeout:
		return "wall_clock_timeout"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r AbortReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ErrAllocationRejected is what an interpreter surfaces to the script when
// the governor refuses an allocation.
var ErrAllocationRejected = errors.New("not enough memory")

// AbortError is returned by every governor check once a ceiling is crossed.
type AbortError struct {
	Reason   AbortReason `json:"reason"`
	Limit    int64       `json:"limit"`
	Consumed int64       `json:"consumed"`
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted: %s (limit=%d, consumed=%d)", e.Reason, e.Limit, e.Consumed)
}

// Unwrap lets errors.Is match ErrAllocationRejected for memory aborts.
func (e *AbortError) Unwrap() error {
	if e.Reason == MemoryCeilingExceeded {
		return ErrAllocationRejected
	}
	return nil
}

// IsAbort reports whether err carries an AbortError and returns its reason.
func IsAbort(err error) (AbortReason, bool) {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Reason, true
	}
	return NotAborted, false
}
