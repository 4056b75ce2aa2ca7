// Package bench measures what the sandbox costs a game loop: the overhead
// of a governed invocation, of a capability-checked host call, and of a
// full tick across many contexts.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. -benchmem ./bench/
package bench

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/sandbox"
)

const updateScript = `--[[manifest
capabilities: [math, time]
]]
x = 0
function update(dt) x = x + dt return x end`

const hostCallScript = `--[[manifest
capabilities: [math]
]]
function update(dt) return math.lerp(0, 10, dt) end`

const computeScript = `function update()
  local s = 0
  for i = 1, 1000 do s = s + i * i end
  return s
end`

// moduleUpdate declares an empty exported update function.
var moduleUpdate = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 'u', 'p', 'd', 'a', 't', 'e', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func newManager(tb testing.TB, opts ...sandbox.Option) *sandbox.Manager {
	tb.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	table := hostfunc.NewTable(capability.Default())
	if err := hostfunc.NewGame(hostfunc.NewMemWorld(), log).Register(table); err != nil {
		tb.Fatal(err)
	}
	base := []sandbox.Option{
		sandbox.WithLogger(log),
		sandbox.WithCadence(governor.PerInvocation),
	}
	m, err := sandbox.New(table, append(base, opts...)...)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { m.Close() })
	return m
}

func create(tb testing.TB, m *sandbox.Manager, name, src string) string {
	tb.Helper()
	id, err := m.CreateContext(context.Background(), sandbox.Source{Name: name, Code: []byte(src)})
	if err != nil {
		tb.Fatal(err)
	}
	return id
}

func invokeN(b *testing.B, m *sandbox.Manager, id string) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := m.Invoke(ctx, id, sandbox.EntryUpdate, 1.0/60)
		if err != nil || r.Outcome != sandbox.Completed {
			b.Fatalf("invoke: %v %s", err, r.Message)
		}
	}
}

// --- Context creation ---

func BenchmarkCreateContext_Lua(b *testing.B) {
	m := newManager(b)
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		id, err := m.CreateContext(ctx, sandbox.Source{Name: "bench.lua", Code: []byte(updateScript)})
		if err != nil {
			b.Fatal(err)
		}
		m.DestroyContext(id)
	}
}

func BenchmarkCreateContext_WASM(b *testing.B) {
	m := newManager(b)
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		id, err := m.CreateContext(ctx, sandbox.Source{Name: "bench.wasm", Code: moduleUpdate})
		if err != nil {
			b.Fatal(err)
		}
		m.DestroyContext(id)
	}
}

// --- Invocation ---

func BenchmarkInvoke_Lua(b *testing.B) {
	m := newManager(b)
	invokeN(b, m, create(b, m, "bench.lua", updateScript))
}

func BenchmarkInvoke_Lua_HostCall(b *testing.B) {
	m := newManager(b)
	invokeN(b, m, create(b, m, "bench.lua", hostCallScript))
}

func BenchmarkInvoke_Lua_Computation(b *testing.B) {
	m := newManager(b)
	invokeN(b, m, create(b, m, "bench.lua", computeScript))
}

func BenchmarkInvoke_WASM(b *testing.B) {
	m := newManager(b)
	invokeN(b, m, create(b, m, "bench.wasm", string(moduleUpdate)))
}

// --- Bare gopher-lua, no sandbox ---

func BenchmarkNative_Lua(b *testing.B) {
	L := lua.NewState()
	defer L.Close()
	if err := L.DoString(updateScript); err != nil {
		b.Fatal(err)
	}
	fn := L.GetGlobal("update")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(1.0/60)); err != nil {
			b.Fatal(err)
		}
		L.Pop(1)
	}
}

// --- Tick ---

func benchmarkTick(b *testing.B, contexts, workers int) {
	m := newManager(b, sandbox.WithWorkers(workers))
	for i := 0; i < contexts; i++ {
		create(b, m, fmt.Sprintf("npc%d.lua", i), updateScript)
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Tick(ctx, 1.0/60); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTick_100(b *testing.B)          { benchmarkTick(b, 100, 1) }
func BenchmarkTick_100_Workers4(b *testing.B) { benchmarkTick(b, 100, 4) }

// =============================================================================
// FRAME BUDGET - Human readable output
// =============================================================================

func TestFrameBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping frame budget report in short mode")
	}
	const frame = time.Second / 60

	measure := func(runs int, fn func()) time.Duration {
		start := time.Now()
		for i := 0; i < runs; i++ {
			fn()
		}
		return time.Since(start) / time.Duration(runs)
	}

	ctx := context.Background()
	m := newManager(t)
	id := create(t, m, "bench.lua", hostCallScript)
	invoke := measure(1000, func() { m.Invoke(ctx, id, sandbox.EntryUpdate, 0.5) })

	tm := newManager(t)
	for i := 0; i < 100; i++ {
		create(t, tm, fmt.Sprintf("npc%d.lua", i), updateScript)
	}
	tick := measure(50, func() { tm.Tick(ctx, 1.0/60) })

	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Printf("%-32s %12s %10s\n", "Operation", "Time", "Frame")
	fmt.Printf("%-32s %12s %9.2f%%\n", "invoke + host call", invoke, 100*float64(invoke)/float64(frame))
	fmt.Printf("%-32s %12s %9.2f%%\n", "tick, 100 contexts", tick, 100*float64(tick)/float64(frame))
	fmt.Println()

	t.Logf("%d contexts fit one 60 Hz frame at the measured invoke cost", int(frame/max(invoke, time.Nanosecond)))
}

// =============================================================================
// MEMORY
// =============================================================================

func TestMemoryPerContext(t *testing.T) {
	var ms runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&ms)
	before := ms.HeapAlloc

	m := newManager(t)
	const n = 100
	for i := 0; i < n; i++ {
		create(t, m, fmt.Sprintf("npc%d.lua", i), updateScript)
	}

	runtime.GC()
	runtime.ReadMemStats(&ms)
	after := ms.HeapAlloc
	if after > before {
		t.Logf("Heap per Lua context: %d KB", (after-before)/n/1024)
	}
	t.Logf("Governed memory in use: %d bytes", m.MemoryInUse())
}
