package hostfunc

import (
	"context"

	"github.com/caffeineduck/moonguard/capability"
)

// Caller describes the script context on whose behalf a host function runs.
type Caller struct {
	ContextID string
	Script    string
	Trust     capability.TrustLevel
	Granted   capability.Set
	Tick      uint64

	// OnViolation, if set, is told about every call refused because the
	// binding's capability is not in Granted.
	OnViolation func(b Binding, err error)
}

type callerKey struct{}

// WithCaller returns ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller carried by ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
