package lua

import (
	"errors"
	"math"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/pm"

	"github.com/caffeineduck/moonguard/governor"
)

const (
	// matchSize approximates one pattern match record.
	matchSize   = 48
	// numberWidth bounds the text of a number in table.concat.
	numberWidth = 24
)

// raise surfaces a governor error to the script. Memory refusals read as
// an ordinary allocation failure.
func (in *instance) raise(L *lua.LState, err error) {
	if errors.Is(err, governor.ErrAllocationRejected) {
		L.RaiseError("%s", governor.ErrAllocationRejected)
		return
	}
	L.RaiseError("%s", err.Error())
}

// output builds a builtin's result and charges it as it grows, so a
// result that would cross a ceiling is refused before it is built.
type output struct {
	in *instance
	L  *lua.LState
	sb strings.Builder
}

func (o *output) write(s string) {
	if s == "" {
		return
	}
	if err := o.in.grow(int64(o.sb.Len()), int64(len(s))); err != nil {
		o.in.raise(o.L, err)
	}
	o.sb.WriteString(s)
}

// rep is string.rep with the result charged before it is built.
func (in *instance) rep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	sep := L.OptString(3, "")

	unit := int64(len(s) + len(sep))
	if n <= 0 || unit == 0 {
		L.Push(lua.LString(""))
		return 1
	}
	size := int64(math.MaxInt64)
	if int64(n) <= math.MaxInt64/unit {
		size = unit*int64(n) - int64(len(sep))
	}
	if err := in.charge(size); err != nil {
		in.raise(L, err)
		return 0
	}

	var sb strings.Builder
	sb.Grow(int(size))
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(s)
	}
	L.Push(lua.LString(sb.String()))
	return 1
}

// gsub is string.gsub with one governor step per match and the result
// charged while it is assembled.
func (in *instance) gsub(L *lua.LState) int {
	str := L.CheckString(1)
	pat := L.CheckString(2)
	L.CheckTypes(3, lua.LTString, lua.LTTable, lua.LTFunction)
	repl := L.CheckAny(3)
	limit := L.OptInt(4, -1)

	mds, err := pm.Find(pat, []byte(str), 0, limit)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if err := in.charge(int64(len(mds)) * matchSize); err != nil {
		in.raise(L, err)
		return 0
	}
	if len(mds) == 0 {
		L.SetTop(1)
		L.Push(lua.LNumber(0))
		return 2
	}

	out := &output{in: in, L: L}
	prev := 0
	for _, md := range mds {
		if err := in.gov.Step(1); err != nil {
			in.raise(L, err)
			return 0
		}
		start, end := md.Capture(0), md.Capture(1)
		out.write(str[prev:start])
		whole := str[start:end]

		switch r := repl.(type) {
		case lua.LString:
			expand(L, out, md, str, string(r))
		case *lua.LTable:
			idx := 0
			if md.CaptureLength() > 2 {
				idx = 2
			}
			var v lua.LValue
			if md.IsPosCapture(idx) {
				v = L.GetTable(r, lua.LNumber(md.Capture(idx)))
			} else {
				v = L.GetField(r, str[md.Capture(idx):md.Capture(idx+1)])
			}
			out.write(replacement(L, v, whole))
		case *lua.LFunction:
			L.Push(r)
			L.Call(pushCaptures(L, md, str), 1)
			v := L.Get(-1)
			L.Pop(1)
			out.write(replacement(L, v, whole))
		}
		prev = end
	}
	out.write(str[prev:])

	L.Push(lua.LString(out.sb.String()))
	L.Push(lua.LNumber(len(mds)))
	return 2
}

// expand writes a replacement string, substituting %0-%9 and %%.
func expand(L *lua.LState, out *output, md *pm.MatchData, str, repl string) {
	for repl != "" {
		i := strings.IndexByte(repl, '%')
		if i < 0 {
			out.write(repl)
			return
		}
		out.write(repl[:i])
		if i+1 == len(repl) {
			L.RaiseError("invalid use of '%%' in replacement string")
			return
		}
		switch c := repl[i+1]; {
		case c == '%':
			out.write("%")
		case c >= '0' && c <= '9':
			out.write(capture(L, md, str, 2*int(c-'0')))
		default:
			L.RaiseError("invalid use of '%%' in replacement string")
			return
		}
		repl = repl[i+2:]
	}
}

// capture returns capture idx/2 of a match. Without captures, %1 is the
// whole match.
func capture(L *lua.LState, md *pm.MatchData, str string, idx int) string {
	if idx > 2 && idx >= md.CaptureLength() {
		L.RaiseError("invalid capture index")
		return ""
	}
	if idx >= md.CaptureLength() && idx == 2 {
		idx = 0
	}
	if md.IsPosCapture(idx) {
		return strconv.Itoa(md.Capture(idx))
	}
	return str[md.Capture(idx):md.Capture(idx+1)]
}

func pushCaptures(L *lua.LState, md *pm.MatchData, str string) int {
	if md.CaptureLength() <= 2 {
		L.Push(lua.LString(str[md.Capture(0):md.Capture(1)]))
		return 1
	}
	n := 0
	for i := 2; i < md.CaptureLength(); i += 2 {
		if md.IsPosCapture(i) {
			L.Push(lua.LNumber(md.Capture(i)))
		} else {
			L.Push(lua.LString(str[md.Capture(i):md.Capture(i+1)]))
		}
		n++
	}
	return n
}

// replacement resolves a table or function result: false and nil keep
// the original match.
func replacement(L *lua.LState, v lua.LValue, whole string) string {
	switch v := v.(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return v.String()
	}
	if lua.LVIsFalse(v) {
		return whole
	}
	L.RaiseError("invalid replacement value (a %s)", v.Type().String())
	return ""
}

// concat is table.concat with the result size charged up front.
func (in *instance) concat(L *lua.LState) int {
	tbl := L.CheckTable(1)
	sep := L.OptString(2, "")
	n := tbl.Len()
	i := max(L.OptInt(3, 1), 1)
	j := min(L.OptInt(4, n), n)

	var size int64
	for k := i; k <= j; k++ {
		switch v := tbl.RawGetInt(k).(type) {
		case lua.LString:
			size += int64(len(v))
		case lua.LNumber:
			size += numberWidth
		}
		if k < j {
			size += int64(len(sep))
		}
	}
	if err := in.charge(size); err != nil {
		in.raise(L, err)
		return 0
	}
	return in.stock.concat(L)
}

// chargeResult wraps a stock builtin whose result cannot outgrow its
// arguments by much (string.format, upper, lower) and charges the strings
// it returns.
func (in *instance) chargeResult(fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		n := fn(L)
		top := L.GetTop()
		for i := top - n + 1; i <= top; i++ {
			if s, ok := L.Get(i).(lua.LString); ok {
				if err := in.charge(int64(len(s)) + stringOverhead); err != nil {
					in.raise(L, err)
					return 0
				}
			}
		}
		return n
	}
}
