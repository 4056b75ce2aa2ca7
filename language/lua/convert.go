package lua

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxNesting     = 32
	stringOverhead = 16
	tableOverhead  = 64
	slotSize       = 32
)

var errTooDeep = errors.New("table nesting too deep")

// fromLua converts a script value into a host value. Arrays (tables whose
// keys are exactly 1..n) become []any; other tables become map[string]any.
func fromLua(lv lua.LValue) (any, error) {
	return fromLuaDepth(lv, 0)
}

func fromLuaDepth(lv lua.LValue, depth int) (any, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if depth >= maxNesting {
			return nil, errTooDeep
		}
		return tableFromLua(v, depth)
	default:
		return nil, fmt.Errorf("unsupported value type %s", lv.Type())
	}
}

func tableFromLua(t *lua.LTable, depth int) (any, error) {
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n := t.Len(); n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := fromLuaDepth(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i-1] = v
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var key string
		switch k := k.(type) {
		case lua.LString:
			key = string(k)
		case lua.LNumber:
			key = k.String()
		default:
			err = fmt.Errorf("unsupported table key type %s", k.Type())
			return
		}
		out[key], err = fromLuaDepth(v, depth+1)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// toLua converts a host value into a script value, charging strings and
// tables to the governor.
func (in *instance) toLua(v any) (lua.LValue, error) {
	return in.toLuaDepth(v, 0)
}

func (in *instance) toLuaDepth(v any, depth int) (lua.LValue, error) {
	if depth > maxNesting {
		return nil, errTooDeep
	}
	switch v := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(v), nil
	case float64:
		return lua.LNumber(v), nil
	case float32:
		return lua.LNumber(v), nil
	case int:
		return lua.LNumber(v), nil
	case int64:
		return lua.LNumber(v), nil
	case uint64:
		return lua.LNumber(v), nil
	case string:
		if err := in.charge(int64(len(v) + stringOverhead)); err != nil {
			return nil, err
		}
		return lua.LString(v), nil
	case []any:
		if err := in.charge(int64(tableOverhead + slotSize*len(v))); err != nil {
			return nil, err
		}
		t := in.L.CreateTable(len(v), 0)
		for i, e := range v {
			lv, err := in.toLuaDepth(e, depth+1)
			if err != nil {
				return nil, err
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return in.toLuaDepth(items, depth)
	case map[string]any:
		if err := in.charge(int64(tableOverhead + slotSize*len(v))); err != nil {
			return nil, err
		}
		t := in.L.CreateTable(0, len(v))
		for k, e := range v {
			lv, err := in.toLuaDepth(e, depth+1)
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return in.toLuaDepth(m, depth)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
