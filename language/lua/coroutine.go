package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// maxFrameWalk bounds callDepth on a corrupt or cyclic frame chain.
const maxFrameWalk = 1 << 16

// callDepth counts the frames of L's own call stack.
func callDepth(L *lua.LState) int {
	n := 0
	for n < maxFrameWalk {
		if _, ok := L.GetStack(n); !ok {
			break
		}
		n++
	}
	return n
}

// resume is coroutine.resume under the governor. Every coroutine has its
// own call stack, so the frames of each suspended resumer are added to the
// depth the governor observes. A resumed body that overflowed or was
// aborted keeps unwinding instead of coming back as false, msg.
func (in *instance) resume(L *lua.LState) int {
	th := L.CheckThread(1)
	if err := in.gov.Step(1); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if ctx := L.Context(); ctx != nil && th != L {
		th.SetContext(ctx)
	}

	frames := callDepth(L)
	in.nested += frames
	defer func() { in.nested -= frames }()
	if err := in.gov.Observe(in.nested); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	n := in.stock.resume(L)
	if n > 0 && L.Get(-n) == lua.LFalse {
		var msg lua.LValue = lua.LNil
		if n > 1 {
			msg = L.Get(-n + 1)
		}
		if in.mustPropagate(L, valueError{msg}) {
			L.Error(msg, 0)
			return 0
		}
	}
	return n
}

// wrap is coroutine.wrap built on the governed resume. Errors in the body
// are raised in the caller.
func (in *instance) wrap(L *lua.LState) int {
	L.CheckFunction(1)
	in.stock.create(L)
	th := L.Get(L.GetTop())
	L.Pop(1)
	L.Push(L.NewClosure(in.wrapped, th))
	return 1
}

func (in *instance) wrapped(L *lua.LState) int {
	L.Insert(L.Get(lua.UpvalueIndex(1)), 1)
	n := in.resume(L)
	first := L.GetTop() - n + 1
	if n > 0 && L.Get(first) == lua.LFalse {
		var msg lua.LValue = lua.LNil
		if n > 1 {
			msg = L.Get(first + 1)
		}
		L.Error(msg, 0)
		return 0
	}
	if n > 0 {
		L.Remove(first)
		n--
	}
	return n
}

// valueError carries a Lua error value returned by a resumed coroutine.
type valueError struct {
	v lua.LValue
}

func (e valueError) Error() string {
	return lua.LVAsString(e.v)
}
