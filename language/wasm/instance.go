package wasm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/language"
)

type instance struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module
	name     string
	gov      *governor.Governor
	log      logrus.FieldLogger

	memories []*linearMemory

	// dead is set once the module was closed by a cancelled call. The next
	// call instantiates a fresh module.
	dead bool
}

// listen returns ctx with the governor's function listener installed. It
// must be the context the guest module is compiled with.
func (in *instance) listen(ctx context.Context) context.Context {
	return experimental.WithFunctionListenerFactory(ctx, &listenerFactory{gov: in.gov})
}

func (in *instance) instantiate(ctx context.Context) error {
	mctx := experimental.WithMemoryAllocator(ctx, experimental.MemoryAllocatorFunc(func(capacity, max uint64) experimental.LinearMemory {
		mem := &linearMemory{gov: in.gov, max: max}
		in.memories = append(in.memories, mem)
		return mem
	}))

	mod, err := in.instantiateModule(mctx)
	if err != nil {
		return in.classify(ctx, err)
	}
	if a := in.gov.Aborted(); a != nil {
		mod.Close(context.Background())
		return a
	}
	in.mod, in.dead = mod, false
	return nil
}

// instantiateModule reports a refused initial memory allocation, which
// wazero surfaces as a panic, as the governor's verdict.
func (in *instance) instantiateModule(ctx context.Context) (mod api.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			if a := in.gov.Aborted(); a != nil {
				mod, err = nil, a
				return
			}
			mod, err = nil, fmt.Errorf("instantiate %s: %v", in.name, r)
		}
	}()
	return in.rt.InstantiateModule(ctx, in.compiled, wazero.NewModuleConfig().WithName(""))
}

func (in *instance) Has(entry string) bool {
	_, ok := in.compiled.ExportedFunctions()[entry]
	return ok
}

func (in *instance) Call(ctx context.Context, entry string, args ...any) (any, error) {
	if !in.Has(entry) {
		return nil, nil
	}
	if in.dead {
		if err := in.restart(ctx); err != nil {
			return nil, err
		}
	}

	fn := in.mod.ExportedFunction(entry)
	if fn == nil {
		return nil, nil
	}
	def := fn.Definition()
	params := make([]uint64, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		if i < len(args) {
			params[i] = encode(t, args[i])
		}
	}

	res, err := fn.Call(ctx, params...)
	if ctx.Err() != nil {
		in.dead = true
	}
	if err != nil {
		return nil, in.classify(ctx, err)
	}
	if a := in.gov.Aborted(); a != nil {
		return nil, a
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decode(def.ResultTypes()[0], res[0]), nil
}

// restart replaces a module closed by a cancelled call. Linear memory of
// the old module is returned to the governor first.
func (in *instance) restart(ctx context.Context) error {
	if in.mod != nil {
		in.mod.Close(context.Background())
	}
	in.freeMemory()
	in.log.WithField("script", in.name).Debug("re-instantiating module after cancelled call")
	return in.instantiate(ctx)
}

func (in *instance) freeMemory() {
	for _, m := range in.memories {
		m.Free()
	}
	in.memories = in.memories[:0]
}

func (in *instance) Close() error {
	err := in.rt.Close(context.Background())
	in.freeMemory()
	return err
}

// classify maps a wazero error onto the governor's verdict, the caller's
// cancellation, or a guest fault.
func (in *instance) classify(ctx context.Context, err error) error {
	if a := in.gov.Aborted(); a != nil {
		return a
	}
	if gerr := in.gov.Check(); gerr != nil {
		return gerr
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	var abortErr *governor.AbortError
	if errors.As(err, &abortErr) {
		return abortErr
	}

	msg := err.Error()
	if strings.Contains(msg, "stack overflow") {
		return in.gov.Trip(governor.StackDepthExceeded)
	}
	trace := ""
	if i := strings.Index(msg, "\nwasm stack trace:"); i >= 0 {
		msg, trace = msg[:i], msg[i+1:]
	}
	msg = strings.TrimSuffix(msg, " (recovered by wazero)")
	return &language.RuntimeError{Message: msg, Traceback: trace, Cause: err}
}
