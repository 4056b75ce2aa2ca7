package lua

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
)

// bind installs b under its dotted path, creating namespace tables on the
// way. Existing library tables (string, math) are extended in place.
func (in *instance) bind(b hostfunc.Binding) error {
	path := b.Path()
	tbl := in.L.G.Global
	for _, seg := range path[:len(path)-1] {
		switch next := tbl.RawGetString(seg).(type) {
		case *lua.LTable:
			tbl = next
		case *lua.LNilType:
			t := in.L.NewTable()
			tbl.RawSetString(seg, t)
			tbl = t
		default:
			return fmt.Errorf("bind %s: %s is a %s, not a namespace", b.Name, seg, next.Type())
		}
	}
	tbl.RawSetString(path[len(path)-1], in.L.NewFunction(in.hostCall(b)))
	return nil
}

// hostCall adapts a binding to the Lua calling convention. Every call costs
// one governor step and is a memory check-point. What the host function
// allocates is not charged to the script; the result it hands back is.
func (in *instance) hostCall(b hostfunc.Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := in.gov.Step(1); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		mark, err := in.meter.enter()
		if err != nil {
			in.raise(L, err)
			return 0
		}
		res, argn, err := in.callHost(L, b)
		in.meter.leave(mark)
		if argn > 0 {
			L.ArgError(argn, err.Error())
			return 0
		}
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}

		lv, err := in.toLua(res)
		if err != nil {
			L.RaiseError("%s: %s", b.Name, err.Error())
			return 0
		}
		L.Push(lv)
		return 1
	}
}

// callHost converts the arguments and runs b. A conversion failure is
// reported with the 1-based index of the argument.
func (in *instance) callHost(L *lua.LState, b hostfunc.Binding) (any, int, error) {
	args := make([]any, L.GetTop())
	for i := range args {
		v, err := fromLua(L.Get(i + 1))
		if err != nil {
			return nil, i + 1, err
		}
		args[i] = v
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := b.Call(ctx, args)
	return res, 0, err
}

// print sends script output to the host logger.
func (in *instance) print(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	mark, err := in.meter.enter()
	if err != nil {
		in.raise(L, err)
		return 0
	}
	hostfunc.ScriptLogger(ctx, in.log.WithField("script", in.name)).Info(strings.Join(parts, "\t"))
	in.meter.leave(mark)
	return 0
}

// mustPropagate reports whether an error caught by pcall has to keep
// unwinding: governor aborts, stack overflows and cancellation are not
// recoverable by the script.
func (in *instance) mustPropagate(L *lua.LState, err error) bool {
	if in.gov.Aborted() != nil || in.gov.Check() != nil {
		return true
	}
	if ctx := L.Context(); ctx != nil && ctx.Err() != nil {
		return true
	}
	if isStackOverflow(err.Error()) {
		in.gov.Trip(governor.StackDepthExceeded)
		return true
	}
	return false
}

func errorObject(err error) lua.LValue {
	if aerr, ok := err.(*lua.ApiError); ok && aerr.Object != nil {
		return aerr.Object
	}
	return lua.LString(err.Error())
}

func (in *instance) pcall(L *lua.LState) int {
	L.CheckAny(1)
	v := L.Get(1)
	if v.Type() != lua.LTFunction && L.GetMetaField(v, "__call").Type() != lua.LTFunction {
		L.Push(lua.LFalse)
		L.Push(lua.LString("attempt to call a " + v.Type().String() + " value"))
		return 2
	}
	nargs := L.GetTop() - 1
	if err := L.PCall(nargs, lua.MultRet, nil); err != nil {
		if in.mustPropagate(L, err) {
			L.Error(errorObject(err), 0)
			return 0
		}
		L.Push(lua.LFalse)
		L.Push(errorObject(err))
		return 2
	}
	L.Insert(lua.LTrue, 1)
	return L.GetTop()
}

func (in *instance) xpcall(L *lua.LState) int {
	fn := L.CheckFunction(1)
	handler := L.CheckFunction(2)
	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, handler); err != nil {
		if in.mustPropagate(L, err) {
			L.Error(errorObject(err), 0)
			return 0
		}
		L.Push(lua.LFalse)
		L.Push(errorObject(err))
		return 2
	}
	L.Insert(lua.LTrue, top+1)
	return L.GetTop() - top
}
