package lua

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
)

func counter(n *int) hostfunc.Func {
	return func(context.Context, []any) (any, error) {
		*n++
		return float64(*n), nil
	}
}

func instantiate(t *testing.T, src string, limits governor.Limits, bindings ...hostfunc.Binding) (language.Instance, *governor.Governor) {
	t.Helper()
	prog, err := New().Compile(context.Background(), "test.lua", []byte(src))
	require.NoError(t, err)

	gov := governor.New(limits, governor.WithCadence(governor.PerInvocation))
	ctx := gov.Begin(context.Background())
	inst, err := prog.Instantiate(ctx, bindings, gov)
	gov.End()
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst, gov
}

func call(inst language.Instance, gov *governor.Governor, entry string, args ...any) (any, error, governor.AbortReason) {
	ctx := gov.Begin(context.Background())
	v, err := inst.Call(ctx, entry, args...)
	return v, err, gov.End()
}

func TestCompileError(t *testing.T) {
	_, err := New().Compile(context.Background(), "broken.lua", []byte("function update(\n  return 1\nend"))
	var cerr *language.CompileError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "broken.lua", cerr.Script)
	assert.Greater(t, cerr.Line, 0)
	assert.Contains(t, cerr.Location, "broken.lua:")
}

func TestCompileReadsManifest(t *testing.T) {
	prog, err := New().Compile(context.Background(), "m.lua", []byte("--[[manifest\ncapabilities: [log]\n]]\nx = 1\n"))
	require.NoError(t, err)
	assert.True(t, prog.Manifest().Requested().Has(capability.Log))
}

func TestTopLevelErrorIsCompileError(t *testing.T) {
	prog, err := New().Compile(context.Background(), "top.lua", []byte(`error("missing asset")`))
	require.NoError(t, err)

	gov := governor.New(governor.DefaultLimits())
	ctx := gov.Begin(context.Background())
	defer gov.End()
	_, err = prog.Instantiate(ctx, nil, gov)
	var cerr *language.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Message, "missing asset")
}

func TestSandboxedGlobals(t *testing.T) {
	inst, gov := instantiate(t, `
function update()
  return {
    os = type(os), io = type(io), load = type(load), require = type(require),
    setmetatable = type(setmetatable), rawset = type(rawset), debug = type(debug),
    string = type(string), coroutine = type(coroutine),
  }
end`, governor.DefaultLimits())

	v, err, reason := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, governor.NotAborted, reason)
	assert.Equal(t, map[string]any{
		"os": "nil", "io": "nil", "load": "nil", "require": "nil",
		"setmetatable": "nil", "rawset": "nil", "debug": "nil",
		"string": "table", "coroutine": "table",
	}, v)
}

func TestVersionGlobal(t *testing.T) {
	inst, gov := instantiate(t, `function update() return moonguard.version end`, governor.DefaultLimits())
	v, err, _ := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, Version, v)
}

func TestUngrantedLooksLikeTypo(t *testing.T) {
	var n int
	inst, gov := instantiate(t, `
function probe()  return entity.move(1, 0, 0, 0) end
function typo()   return entitty.move(1, 0, 0, 0) end
function granted() return entity.get_rotation(1) end
`, governor.DefaultLimits(),
		hostfunc.Binding{Capability: capability.EntityRead, Name: "entity.get_rotation", Func: counter(&n)},
	)

	_, probeErr, _ := call(inst, gov, "probe")
	_, typoErr, _ := call(inst, gov, "typo")
	var a, b *language.RuntimeError
	require.True(t, errors.As(probeErr, &a))
	require.True(t, errors.As(typoErr, &b))
	assert.Contains(t, a.Message, "attempt to call a nil value")
	assert.Contains(t, b.Message, "attempt to index a nil value")

	v, err, _ := call(inst, gov, "granted")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestHostFunctionArgumentsAndResults(t *testing.T) {
	echo := hostfunc.Binding{Capability: capability.Debug, Name: "debug.echo", Func: func(_ context.Context, args []any) (any, error) {
		return args, nil
	}}
	inst, gov := instantiate(t, `
function update(dt, tick)
  return debug.echo(dt, "s", true, {1, 2}, {k = "v"})
end`, governor.DefaultLimits(), echo)

	v, err, _ := call(inst, gov, "update", 0.5, 7.0)
	require.NoError(t, err)
	assert.Equal(t, []any{0.5, "s", true, []any{1.0, 2.0}, map[string]any{"k": "v"}}, v)
}

func TestHostErrorBecomesRuntimeError(t *testing.T) {
	fail := hostfunc.Binding{Capability: capability.Log, Name: "log.fail", Func: func(context.Context, []any) (any, error) {
		return nil, errors.New("disk on fire")
	}}
	inst, gov := instantiate(t, `function update() log.fail() end`, governor.DefaultLimits(), fail)

	_, err, reason := call(inst, gov, "update")
	var rt *language.RuntimeError
	require.True(t, errors.As(err, &rt))
	assert.Contains(t, rt.Message, "disk on fire")
	assert.Equal(t, governor.NotAborted, reason)
}

func TestInstructionBudget(t *testing.T) {
	var n int
	inst, gov := instantiate(t, `
function update()
  for i = 1, 150000 do
    game.tick()
  end
end`, governor.Limits{MaxSteps: 100_000},
		hostfunc.Binding{Capability: capability.Log, Name: "game.tick", Func: counter(&n)},
	)

	_, err, reason := call(inst, gov, "update")
	got, ok := governor.IsAbort(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, governor.InstructionBudgetExceeded, got)
	assert.Equal(t, governor.InstructionBudgetExceeded, reason)
	assert.Equal(t, 100_000, n)
}

func TestPcallCannotSwallowAbort(t *testing.T) {
	var n int
	inst, gov := instantiate(t, `
function update()
  local ok = pcall(function()
    for i = 1, 100 do game.tick() end
  end)
  return "survived"
end`, governor.Limits{MaxSteps: 10},
		hostfunc.Binding{Capability: capability.Log, Name: "game.tick", Func: counter(&n)},
	)

	v, err, reason := call(inst, gov, "update")
	assert.Nil(t, v)
	assert.Error(t, err)
	assert.Equal(t, governor.InstructionBudgetExceeded, reason)
}

func TestPcallCatchesScriptErrors(t *testing.T) {
	inst, gov := instantiate(t, `
function update()
  local ok, err = pcall(error, "expected")
  return {ok = ok, err = err}
end`, governor.DefaultLimits())

	v, err, _ := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, false, v.(map[string]any)["ok"])
	assert.Contains(t, v.(map[string]any)["err"], "expected")
}

func TestTightLoopHitsWatchdog(t *testing.T) {
	inst, gov := instantiate(t, `function update() while true do end end`,
		governor.Limits{MaxSteps: 100, WallClock: 50 * time.Millisecond})

	start := time.Now()
	_, err, reason := call(inst, gov, "update")
	assert.Error(t, err)
	assert.Equal(t, governor.WallClockTimeout, reason)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMemoryCeiling(t *testing.T) {
	inst, gov := instantiate(t, `
function update()
  local ok, err = pcall(string.rep, "x", 100000000)
  return "unreachable"
end
function small() return #string.rep("ab", 3, "-") end`, governor.Limits{MaxMemory: 1 << 20})

	v, err, _ := call(inst, gov, "small")
	require.NoError(t, err)
	assert.Equal(t, 8.0, v)

	_, err, reason := call(inst, gov, "update")
	assert.Error(t, err)
	assert.Equal(t, governor.MemoryCeilingExceeded, reason)
	assert.Less(t, gov.Usage().LiveBytes, int64(1<<20), "the refused block is not charged")
}

func abortReason(t *testing.T, inst language.Instance, gov *governor.Governor, entry string) governor.AbortReason {
	t.Helper()
	v, err, reason := call(inst, gov, entry)
	got, ok := governor.IsAbort(err)
	require.True(t, ok, "got %v, %v", v, err)
	assert.Equal(t, reason, got)
	return reason
}

func TestInterpreterAllocationsHitMemoryCeiling(t *testing.T) {
	limits := governor.Limits{MaxMemory: 1 << 20, WallClock: 10 * time.Second}
	for name, src := range map[string]string{
		"concat": `
function update()
  local s = "xxxxxxxx"
  for i = 1, 24 do s = s .. s end
  return #s
end`,
		"table growth": `
function update()
  local t = {}
  for i = 1, 4000000 do t[i] = i end
  return #t
end`,
		"gsub": `
function update()
  local ok = pcall(function()
    local s = string.rep("x", 200000)
    return string.gsub(s, ".", "xxxxxxxx")
  end)
  return "survived"
end`,
		"upper": `
function update()
  local s = string.rep("x", 700000)
  return #s:upper()
end`,
		"format": `
function update()
  local s = string.rep("x", 400000)
  return #string.format("%s%s%s", s, s, s)
end`,
	} {
		t.Run(name, func(t *testing.T) {
			inst, gov := instantiate(t, src, limits)
			assert.Equal(t, governor.MemoryCeilingExceeded, abortReason(t, inst, gov, "update"))
			assert.Greater(t, gov.Usage().PeakBytes, int64(0))
		})
	}
}

var hostSink []byte

func TestHostAllocationsAreNotCharged(t *testing.T) {
	heavy := hostfunc.Binding{Capability: capability.Log, Name: "log.heavy", Func: func(context.Context, []any) (any, error) {
		hostSink = make([]byte, 4<<20)
		return "ok", nil
	}}
	inst, gov := instantiate(t, `
function update()
  for i = 1, 4 do log.heavy() end
  return log.heavy()
end`, governor.Limits{MaxMemory: 1 << 20, WallClock: 10 * time.Second}, heavy)

	v, err, reason := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, governor.NotAborted, reason)
	assert.Equal(t, "ok", v)
}

func TestLargeStringUnderDefaultLimits(t *testing.T) {
	inst, gov := instantiate(t, `
function update() return #string.rep("x", 256 * 1024 * 1024) end`, governor.DefaultLimits())

	start := time.Now()
	assert.Equal(t, governor.MemoryCeilingExceeded, abortReason(t, inst, gov, "update"))
	assert.Less(t, time.Since(start), time.Second)

	limits := governor.DefaultLimits()
	limits.MaxAlloc = 1 << 20
	limits.WallClock = 10 * time.Second
	inst, gov = instantiate(t, `
function update()
  local t = {}
  for i = 1, 100 do t[i] = string.rep("y", 200000) end
  return #table.concat(t, ",")
end`, limits)
	assert.Equal(t, governor.MemoryCeilingExceeded, abortReason(t, inst, gov, "update"))
}

func TestTrustedSingleAllocationIsBounded(t *testing.T) {
	inst, gov := instantiate(t, `
function update() return #string.rep("x", 2^46) end
function caught()
  local ok, err = pcall(string.rep, "x", 2^46)
  return err
end
function small() return #string.rep("x", 1024) end`, governor.TrustedLimits())

	assert.Equal(t, governor.MemoryCeilingExceeded, abortReason(t, inst, gov, "update"))
	assert.Equal(t, governor.MemoryCeilingExceeded, abortReason(t, inst, gov, "caught"))

	v, err, _ := call(inst, gov, "small")
	require.NoError(t, err)
	assert.Equal(t, 1024.0, v)
}

func TestGsubMatchesStockBehaviour(t *testing.T) {
	inst, gov := instantiate(t, `
function update()
  local a, n = string.gsub("hello world", "o", "0")
  local b = string.gsub("hello world", "(%w+)", "<%1>")
  local c = string.gsub("abc", "", "-")
  local d = string.gsub("$name is $age", "%$(%w+)", {name = "ada", age = 36})
  local e = string.gsub("one two", "%w+", function(w) if w == "two" then return "2" end end)
  local f = string.gsub("50%", "%%", "%% off")
  local g = string.gsub("aaa", "a", "b", 2)
  return {a = a, n = n, b = b, c = c, d = d, e = e, f = f, g = g}
end`, governor.DefaultLimits())

	v, err, _ := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": "hell0 w0rld", "n": 2.0,
		"b": "<hello> <world>",
		"c": "-a-b-c-",
		"d": "ada is 36",
		"e": "one 2",
		"f": "50% off",
		"g": "bba",
	}, v)
}

func TestRetainedStateStaysCharged(t *testing.T) {
	inst, gov := instantiate(t, `
keep = {}
function update()
  keep[#keep + 1] = string.rep("x", 1024 * 1024)
  return #keep
end`, governor.Limits{MaxMemory: 4 << 20, WallClock: 10 * time.Second})

	v, err, _ := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	assert.GreaterOrEqual(t, gov.Usage().LiveBytes, int64(1<<20), "kept strings stay charged")

	var reason governor.AbortReason
	for i := 0; i < 8 && reason == governor.NotAborted; i++ {
		_, _, reason = call(inst, gov, "update")
	}
	assert.Equal(t, governor.MemoryCeilingExceeded, reason)
}

func TestCoroutines(t *testing.T) {
	inst, gov := instantiate(t, `
function gen()
  local co = coroutine.wrap(function() for i = 1, 3 do coroutine.yield(i) end end)
  return co() + co() + co()
end
function failed()
  local ok, err = coroutine.resume(coroutine.create(function() error("boom") end))
  return {ok = ok, err = err}
end
function wrapped()
  local ok, err = pcall(coroutine.wrap(function() error("bang") end))
  return err
end
local function nest(n)
  if n == 0 then return 0 end
  local ok, v = coroutine.resume(coroutine.create(function() return nest(n - 1) end))
  if not ok then error(v, 0) end
  return v + 1
end
function shallow() return nest(3) end`, governor.DefaultLimits())

	v, err, _ := call(inst, gov, "gen")
	require.NoError(t, err)
	assert.Equal(t, 6.0, v)

	v, err, _ = call(inst, gov, "failed")
	require.NoError(t, err)
	assert.Equal(t, false, v.(map[string]any)["ok"])
	assert.Contains(t, v.(map[string]any)["err"], "boom")

	v, err, _ = call(inst, gov, "wrapped")
	require.NoError(t, err)
	assert.Contains(t, v, "bang")

	v, err, _ = call(inst, gov, "shallow")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestCoroutinesCannotEscapeDepthCeiling(t *testing.T) {
	inst, gov := instantiate(t, `
local function dive(n) return dive(n + 1) + 1 end
function resumed()
  local ok, err = coroutine.resume(coroutine.create(function() dive(0) end))
  return tostring(ok) .. " " .. tostring(err)
end
function wrapped()
  local ok = pcall(coroutine.wrap(function() dive(0) end))
  return "survived"
end
local function nest(n)
  if n == 0 then return 0 end
  local ok, v = coroutine.resume(coroutine.create(function() return nest(n - 1) end))
  if not ok then error(v, 0) end
  return v + 1
end
function nested() return nest(5000) end`, governor.Limits{MaxDepth: 64, WallClock: 10 * time.Second})

	assert.Equal(t, governor.StackDepthExceeded, abortReason(t, inst, gov, "resumed"))
	assert.Equal(t, governor.StackDepthExceeded, abortReason(t, inst, gov, "wrapped"))

	start := time.Now()
	assert.Equal(t, governor.StackDepthExceeded, abortReason(t, inst, gov, "nested"))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStackDepth(t *testing.T) {
	inst, gov := instantiate(t, `
local function dive(n) return dive(n + 1) + 1 end
function update() return dive(0) end`, governor.Limits{MaxDepth: 64})

	_, err, reason := call(inst, gov, "update")
	assert.Error(t, err)
	assert.Equal(t, governor.StackDepthExceeded, reason)
}

func TestMissingEntryPoint(t *testing.T) {
	inst, gov := instantiate(t, `x = 1`, governor.DefaultLimits())
	assert.False(t, inst.Has("update"))
	v, err, _ := call(inst, gov, "update")
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestPrintGoesToLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	prog, err := New(WithLogger(log)).Compile(context.Background(), "talk.lua", []byte(`function update() print("hi", 3) end`))
	require.NoError(t, err)
	gov := governor.New(governor.DefaultLimits())
	ctx := gov.Begin(context.Background())
	inst, err := prog.Instantiate(ctx, nil, gov)
	gov.End()
	require.NoError(t, err)
	defer inst.Close()

	_, err, _ = call(inst, gov, "update")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "script=talk.lua")
	assert.Contains(t, buf.String(), `hi\t3`)
}

func TestPreludeHelpers(t *testing.T) {
	var logged []any
	logBinding := hostfunc.Binding{Capability: capability.Log, Name: "log.print", Func: func(_ context.Context, args []any) (any, error) {
		logged = append(logged, args...)
		return nil, nil
	}}
	inst, gov := instantiate(t, `
function update()
  log.printf("%d apples", 3)
  local v = moonguard.vec3(1, 2)
  return v.z
end`, governor.DefaultLimits(), logBinding)

	v, err, _ := call(inst, gov, "update")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
	assert.Equal(t, []any{"3 apples"}, logged)
}

func TestCallerCancellation(t *testing.T) {
	inst, gov := instantiate(t, `function update() while true do end end`, governor.Limits{WallClock: time.Minute})

	parent, cancel := context.WithCancel(context.Background())
	ctx := gov.Begin(parent)
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := inst.Call(ctx, "update")
	reason := gov.End()

	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, governor.NotAborted, reason)
}
