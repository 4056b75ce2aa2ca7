package lua

import (
	lua "github.com/yuin/gopher-lua"
)

const (
	functionOverhead = 64
	threadOverhead   = 1024

	// remeasureAfter is how much transient growth an invocation may add
	// before the retained state is walked again.
	remeasureAfter = 64 << 10
)

// footprint estimates the bytes reachable from the globals of L: the
// strings, tables, closures and coroutines a script keeps between
// invocations. Shared tables and closures are counted once. Strings are
// counted per reference.
func footprint(L *lua.LState) int64 {
	var size int64
	seen := make(map[lua.LValue]struct{})
	stack := []lua.LValue{L.G.Global}

	push := func(v lua.LValue) {
		switch v.(type) {
		case lua.LString, *lua.LTable, *lua.LFunction, *lua.LUserData, *lua.LState:
			stack = append(stack, v)
		}
	}

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if s, ok := v.(lua.LString); ok {
			size += int64(len(s)) + stringOverhead
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}

		switch v := v.(type) {
		case *lua.LTable:
			if v == nil {
				continue
			}
			size += tableOverhead
			v.ForEach(func(k, e lua.LValue) {
				size += slotSize
				push(k)
				push(e)
			})
			push(v.Metatable)
		case *lua.LFunction:
			if v == nil {
				continue
			}
			size += functionOverhead
			if v.Env != nil {
				push(v.Env)
			}
			for _, uv := range v.Upvalues {
				if uv != nil {
					push(uv.Value())
				}
			}
		case *lua.LUserData:
			if v == nil {
				continue
			}
			size += tableOverhead
			push(v.Metatable)
			if v.Env != nil {
				push(v.Env)
			}
		case *lua.LState:
			size += threadOverhead
		}
	}
	return size
}

// remeasure walks the retained state once enough transient growth has
// built up and holds the difference against the governor. A failed charge
// trips the governor and is reported by the invocation.
func (in *instance) remeasure(transient int64) {
	if in.gov.Limits().MaxMemory <= 0 {
		return
	}
	in.growth += transient
	if in.measured && in.growth < remeasureAfter {
		return
	}
	in.growth = 0
	in.measured = true

	size := footprint(in.L)
	switch {
	case size > in.retained:
		if in.gov.Alloc(size-in.retained) == nil {
			in.retained = size
		}
	case size < in.retained:
		in.gov.Free(in.retained - size)
		in.retained = size
	}
}
