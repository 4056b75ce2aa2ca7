package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
)

// removedGlobals are stripped after the base library is opened.
var removedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring",
	"rawequal", "rawget", "rawset", "rawlen",
	"collectgarbage", "getfenv", "setfenv",
	"getmetatable", "setmetatable", "newproxy",
	"require", "module",
	"os", "io", "debug", "package", "channel",
}

type instance struct {
	L    *lua.LState
	name string
	gov  *governor.Governor
	log  logrus.FieldLogger

	meter *meter
	stock stockFuncs

	// retained is the charge for the state the script keeps between
	// invocations; growth is transient usage since it was last measured.
	retained int64
	growth   int64
	measured bool

	// nested counts the frames of coroutines suspended in resume.
	nested int
}

// stockFuncs are the library functions the governed versions delegate to.
type stockFuncs struct {
	resume lua.LGFunction
	create lua.LGFunction
	concat lua.LGFunction
}

func (in *instance) setup(bindings []hostfunc.Binding) error {
	L := in.L
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)
	L.SetTop(0)

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(in.print))
	L.SetGlobal("pcall", L.NewFunction(in.pcall))
	L.SetGlobal("xpcall", L.NewFunction(in.xpcall))

	str, ok := L.GetGlobal("string").(*lua.LTable)
	if !ok {
		return errors.New("string library missing")
	}
	str.RawSetString("rep", L.NewFunction(in.rep))
	str.RawSetString("gsub", L.NewFunction(in.gsub))
	for _, name := range []string{"format", "upper", "lower"} {
		fn, ok := str.RawGetString(name).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("string.%s missing", name)
		}
		str.RawSetString(name, L.NewFunction(in.chargeResult(fn.GFunction)))
	}

	tbl, ok := L.GetGlobal("table").(*lua.LTable)
	if !ok {
		return errors.New("table library missing")
	}
	in.stock.concat = builtin(tbl, "concat")
	tbl.RawSetString("concat", L.NewFunction(in.concat))

	co, ok := L.GetGlobal("coroutine").(*lua.LTable)
	if !ok {
		return errors.New("coroutine library missing")
	}
	in.stock.resume = builtin(co, "resume")
	in.stock.create = builtin(co, "create")
	co.RawSetString("resume", L.NewFunction(in.resume))
	co.RawSetString("wrap", L.NewFunction(in.wrap))
	if in.stock.concat == nil || in.stock.resume == nil || in.stock.create == nil {
		return errors.New("standard library incomplete")
	}

	mg := L.NewTable()
	mg.RawSetString("version", lua.LString(Version))
	mg.RawSetString("script", lua.LString(in.name))
	L.SetGlobal("moonguard", mg)

	for _, b := range bindings {
		if err := in.bind(b); err != nil {
			return err
		}
	}
	return nil
}

func (in *instance) Has(entry string) bool {
	return in.L.GetGlobal(entry).Type() == lua.LTFunction
}

func (in *instance) Call(ctx context.Context, entry string, args ...any) (v any, err error) {
	fn, ok := in.L.GetGlobal(entry).(*lua.LFunction)
	if !ok {
		return nil, nil
	}

	in.begin(ctx)
	defer func() {
		if err = in.settle(err); err != nil {
			v = nil
		}
	}()

	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lv, err := in.toLua(a)
		if err != nil {
			return nil, in.classify(ctx, err)
		}
		lvs[i] = lv
	}

	if err := in.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lvs...); err != nil {
		return nil, in.classify(ctx, err)
	}
	ret := in.L.Get(-1)
	in.L.Pop(1)

	v, err = fromLua(ret)
	if err != nil {
		return nil, &language.RuntimeError{Message: entry + " returned " + err.Error(), Cause: err}
	}
	return v, nil
}

// begin opens a metering window for one invocation.
func (in *instance) begin(ctx context.Context) {
	in.nested = 0
	in.L.SetContext(ctx)
	in.meter.start()
}

// settle closes the window opened by begin. Transient charges are
// returned and the retained state is re-measured; a ceiling crossed on
// the way out still aborts the invocation.
func (in *instance) settle(err error) error {
	transient := in.meter.finish()
	in.gov.Free(transient)
	in.L.RemoveContext()
	in.remeasure(transient)
	if a := in.gov.Aborted(); a != nil {
		return a
	}
	return err
}

func (in *instance) Close() error {
	in.gov.Free(in.retained)
	in.retained = 0
	in.L.Close()
	return nil
}

// classify maps an interpreter error onto the governor's verdict, the
// caller's cancellation, or a script fault.
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

	msg, trace := err.Error(), ""
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		trace = apiErr.StackTrace
	}
	if isStackOverflow(msg) {
		return in.gov.Trip(governor.StackDepthExceeded)
	}
	return &language.RuntimeError{Message: msg, Traceback: trace, Cause: err}
}

func isStackOverflow(msg string) bool {
	return strings.Contains(msg, "stack overflow") || strings.Contains(msg, "registry overflow")
}

// charge accounts one block of n bytes crossing into the interpreter.
func (in *instance) charge(n int64) error {
	return in.grow(0, n)
}

// grow charges n more bytes to a block already holding have bytes. The
// whole block is held to the single-allocation ceiling.
func (in *instance) grow(have, n int64) error {
	if ceiling := in.gov.Limits().AllocCeiling(); n > ceiling-have {
		return in.gov.AllocBlock(have + n)
	}
	if err := in.gov.Alloc(n); err != nil {
		return err
	}
	in.meter.charge(n)
	return nil
}

func builtin(t *lua.LTable, name string) lua.LGFunction {
	if fn, ok := t.RawGetString(name).(*lua.LFunction); ok && fn.IsG {
		return fn.GFunction
	}
	return nil
}
