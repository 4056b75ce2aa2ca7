package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
)

// A minimal module encoder. Every value type is f64 except loop counters,
// which are i32 locals.

type wasmImport struct {
	module  string
	name    string
	params  int
	results int
}

type wasmFunc struct {
	export    string
	params    int
	results   int
	i32Locals int
	body      []byte
}

type wasmModule struct {
	imports  []wasmImport
	funcs    []wasmFunc
	memPages int
	manifest string
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wname(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, content []byte) []byte {
	out := append([]byte{id}, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func vec(n int, items []byte) []byte {
	return append(uleb(uint64(n)), items...)
}

func funcType(params, results int) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(params))...)
	for i := 0; i < params; i++ {
		out = append(out, 0x7c)
	}
	out = append(out, uleb(uint64(results))...)
	for i := 0; i < results; i++ {
		out = append(out, 0x7c)
	}
	return out
}

func f64const(v float64) []byte {
	out := make([]byte, 9)
	out[0] = 0x44
	binary.LittleEndian.PutUint64(out[1:], math.Float64bits(v))
	return out
}

func call(idx int) []byte {
	return append([]byte{0x10}, uleb(uint64(idx))...)
}

func (m wasmModule) bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	for _, imp := range m.imports {
		types = append(types, funcType(imp.params, imp.results)...)
	}
	for _, f := range m.funcs {
		types = append(types, funcType(f.params, f.results)...)
	}
	out = append(out, section(1, vec(len(m.imports)+len(m.funcs), types))...)

	if len(m.imports) > 0 {
		var imps []byte
		for i, imp := range m.imports {
			mod := imp.module
			if mod == "" {
				mod = "env"
			}
			imps = append(imps, wname(mod)...)
			imps = append(imps, wname(imp.name)...)
			imps = append(imps, 0x00)
			imps = append(imps, uleb(uint64(i))...)
		}
		out = append(out, section(2, vec(len(m.imports), imps))...)
	}

	var fidx []byte
	for j := range m.funcs {
		fidx = append(fidx, uleb(uint64(len(m.imports)+j))...)
	}
	out = append(out, section(3, vec(len(m.funcs), fidx))...)

	if m.memPages > 0 {
		out = append(out, section(5, vec(1, append([]byte{0x00}, uleb(uint64(m.memPages))...)))...)
	}

	var exports []byte
	n := 0
	for j, f := range m.funcs {
		if f.export == "" {
			continue
		}
		exports = append(exports, wname(f.export)...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(uint64(len(m.imports)+j))...)
		n++
	}
	out = append(out, section(7, vec(n, exports))...)

	var code []byte
	for _, f := range m.funcs {
		var body []byte
		if f.i32Locals > 0 {
			body = append(body, uleb(1)...)
			body = append(body, uleb(uint64(f.i32Locals))...)
			body = append(body, 0x7f)
		} else {
			body = append(body, uleb(0)...)
		}
		body = append(body, f.body...)
		body = append(body, 0x0b)
		code = append(code, uleb(uint64(len(body)))...)
		code = append(code, body...)
	}
	out = append(out, section(10, vec(len(m.funcs), code))...)

	if m.manifest != "" {
		out = append(out, section(0, append(wname("manifest"), m.manifest...))...)
	}
	return out
}

// loopCalling calls import 0 (returning f64) n times.
func loopCalling(n int64) []byte {
	var b []byte
	b = append(b, 0x03, 0x40) // loop
	b = append(b, call(0)...)
	b = append(b, 0x1a)       // drop
	b = append(b, 0x20, 0x00) // local.get 0
	b = append(b, 0x41, 0x01) // i32.const 1
	b = append(b, 0x6a)       // i32.add
	b = append(b, 0x22, 0x00) // local.tee 0
	b = append(b, 0x41)
	b = append(b, sleb(n)...) // i32.const n
	b = append(b, 0x48)       // i32.lt_s
	b = append(b, 0x0d, 0x00) // br_if 0
	b = append(b, 0x0b)       // end
	return b
}

func compile(t *testing.T, m wasmModule) language.Program {
	t.Helper()
	w, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	prog, err := w.Compile(context.Background(), "test.wasm", m.bytes())
	require.NoError(t, err)
	return prog
}

func instantiate(t *testing.T, m wasmModule, limits governor.Limits, bindings ...hostfunc.Binding) (language.Instance, *governor.Governor) {
	t.Helper()
	prog := compile(t, m)
	gov := governor.New(limits, governor.WithCadence(governor.PerInvocation))
	ctx := gov.Begin(context.Background())
	inst, err := prog.Instantiate(ctx, bindings, gov)
	gov.End()
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst, gov
}

func invoke(inst language.Instance, gov *governor.Governor, entry string, args ...any) (any, error, governor.AbortReason) {
	ctx := gov.Begin(context.Background())
	v, err := inst.Call(ctx, entry, args...)
	return v, err, gov.End()
}

func lerpBinding() hostfunc.Binding {
	return hostfunc.Binding{Capability: capability.Math, Name: "math.lerp", Arity: 3, Func: hostfunc.Lerp}
}

var lerpModule = wasmModule{
	imports: []wasmImport{{name: "math.lerp", params: 3, results: 1}},
	funcs: []wasmFunc{{
		export:  "update",
		results: 1,
		body:    append(append(append(f64const(0), f64const(10)...), f64const(0.5)...), call(0)...),
	}},
}

func TestCompileRejectsGarbage(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Compile(context.Background(), "junk.wasm", []byte("not a module"))
	var cerr *language.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "junk.wasm", cerr.Script)
}

func TestCompileReadsManifest(t *testing.T) {
	prog := compile(t, wasmModule{
		funcs:    []wasmFunc{{export: "init"}},
		manifest: "name: turret\ntrust: verified\ncapabilities: [log, entity.write]\n",
	})
	m := prog.Manifest()
	assert.Equal(t, "turret", m.Name)
	assert.Equal(t, capability.Verified, m.TrustOr(capability.Untrusted))
	assert.True(t, m.Requested().Has(capability.EntityWrite))
}

func TestCompileRejectsForeignImports(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	defer w.Close()

	m := wasmModule{
		imports: []wasmImport{{module: "wasi_snapshot_preview1", name: "fd_write", params: 1, results: 1}},
		funcs:   []wasmFunc{{export: "init"}},
	}
	_, err = w.Compile(context.Background(), "wasi.wasm", m.bytes())
	var cerr *language.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Message, "only module")
}

func TestEntryPointArgumentsAndResult(t *testing.T) {
	inst, gov := instantiate(t, wasmModule{funcs: []wasmFunc{{
		export:  "update",
		params:  2,
		results: 1,
		body:    []byte{0x20, 0x00, 0x20, 0x01, 0xa0}, // local.get 0; local.get 1; f64.add
	}}}, governor.DefaultLimits())

	assert.True(t, inst.Has("update"))
	assert.False(t, inst.Has("on_event"))

	v, err, reason := invoke(inst, gov, "update", 0.5, 2.0)
	require.NoError(t, err)
	assert.Equal(t, governor.NotAborted, reason)
	assert.Equal(t, 2.5, v)

	v, err, _ = invoke(inst, gov, "on_event", "spawn")
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestHostImport(t *testing.T) {
	inst, gov := instantiate(t, lerpModule, governor.DefaultLimits(), lerpBinding())
	v, err, _ := invoke(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestUngrantedImportLooksLikeTypo(t *testing.T) {
	prog := compile(t, lerpModule)
	gov := governor.New(governor.DefaultLimits())
	ctx := gov.Begin(context.Background())
	defer gov.End()

	_, err := prog.Instantiate(ctx, nil, gov)
	var cerr *language.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "unknown import env.math.lerp", cerr.Message)

	typo := wasmModule{
		imports: []wasmImport{{name: "math.lerpp", params: 3, results: 1}},
		funcs:   lerpModule.funcs,
	}
	_, err = compile(t, typo).Instantiate(ctx, []hostfunc.Binding{lerpBinding()}, gov)
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "unknown import env.math.lerpp", cerr.Message)
}

func TestVariadicBindingIsNotImportable(t *testing.T) {
	prog := compile(t, lerpModule)
	gov := governor.New(governor.DefaultLimits())
	ctx := gov.Begin(context.Background())
	defer gov.End()

	b := lerpBinding()
	b.Arity = hostfunc.Variadic
	_, err := prog.Instantiate(ctx, []hostfunc.Binding{b}, gov)
	var cerr *language.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Message, "signature mismatch")
}

func TestHostCapabilityCheck(t *testing.T) {
	inst, gov := instantiate(t, lerpModule, governor.DefaultLimits(), lerpBinding())

	ctx := gov.Begin(context.Background())
	ctx = hostfunc.WithCaller(ctx, hostfunc.Caller{ContextID: "c1", Granted: capability.NewSet(capability.Log)})
	_, err := inst.Call(ctx, "update")
	reason := gov.End()

	assert.True(t, errors.Is(err, hostfunc.ErrCapabilityViolation), "got %v", err)
	assert.Equal(t, governor.NotAborted, reason)
}

func TestInstructionBudget(t *testing.T) {
	var calls int
	tick := hostfunc.Binding{Capability: capability.Log, Name: "game.tick", Arity: 0, Func: func(context.Context, []any) (any, error) {
		calls++
		return 0.0, nil
	}}
	inst, gov := instantiate(t, wasmModule{
		imports: []wasmImport{{name: "game.tick", results: 1}},
		funcs:   []wasmFunc{{export: "update", i32Locals: 1, body: loopCalling(150000)}},
	}, governor.Limits{MaxSteps: 100_000}, tick)

	_, err, reason := invoke(inst, gov, "update")
	got, ok := governor.IsAbort(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, governor.InstructionBudgetExceeded, got)
	assert.Equal(t, governor.InstructionBudgetExceeded, reason)
	assert.Less(t, calls, 100_000)
	assert.Greater(t, calls, 99_000)
}

func TestStackDepth(t *testing.T) {
	inst, gov := instantiate(t, wasmModule{funcs: []wasmFunc{{
		export:  "update",
		results: 1,
		body:    call(0), // calls itself
	}}}, governor.Limits{MaxDepth: 64})

	_, err, reason := invoke(inst, gov, "update")
	assert.Error(t, err)
	assert.Equal(t, governor.StackDepthExceeded, reason)
}

func TestWatchdogAndRestart(t *testing.T) {
	inst, gov := instantiate(t, wasmModule{funcs: []wasmFunc{
		{export: "update", body: []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}}, // loop br 0 end
		{export: "ping", results: 1, body: f64const(1)},
	}}, governor.Limits{WallClock: 50 * time.Millisecond})

	start := time.Now()
	_, err, reason := invoke(inst, gov, "update")
	assert.Error(t, err)
	assert.Equal(t, governor.WallClockTimeout, reason)
	assert.Less(t, time.Since(start), 2*time.Second)

	v, err, reason := invoke(inst, gov, "ping")
	require.NoError(t, err)
	assert.Equal(t, governor.NotAborted, reason)
	assert.Equal(t, 1.0, v)
}

func TestMemoryIsGoverned(t *testing.T) {
	grow := append(append([]byte{0x41}, sleb(100)...), 0x40, 0x00, 0xb7) // memory.grow 100; f64.convert_i32_s
	inst, gov := instantiate(t, wasmModule{
		memPages: 1,
		funcs: []wasmFunc{
			{export: "update", results: 1, body: grow},
			{export: "ping", results: 1, body: f64const(1)},
		},
	}, governor.Limits{MaxMemory: 2 * 65536})

	assert.Equal(t, int64(65536), gov.Usage().LiveBytes)

	_, err, reason := invoke(inst, gov, "update")
	assert.Error(t, err)
	assert.Equal(t, governor.MemoryCeilingExceeded, reason)
	assert.True(t, errors.Is(err, governor.ErrAllocationRejected))

	require.NoError(t, inst.Close())
	assert.Zero(t, gov.Usage().LiveBytes)
}
