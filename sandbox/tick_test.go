package sandbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/moonguard/capability"
)

const counterScript = `
inits, updates = 0, 0
function init() inits = inits + 1 end
function update(dt, tick)
  updates = updates + 1
  return {inits = inits, updates = updates, tick = tick, dt = dt}
end`

func TestTickRunsInitOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.manager()
	a := h.create(capability.Untrusted, counterScript)
	b := h.create(capability.Untrusted, counterScript)

	rs, err := h.m.Tick(context.Background(), 0.5)
	require.NoError(t, err)
	require.Len(t, rs, 4)
	assert.Equal(t, []string{a, a, b, b}, []string{rs[0].ContextID, rs[1].ContextID, rs[2].ContextID, rs[3].ContextID})
	assert.Equal(t, EntryInit, rs[0].Entry)
	assert.Equal(t, EntryUpdate, rs[1].Entry)
	assert.Equal(t, map[string]any{"inits": 1.0, "updates": 1.0, "tick": 1.0, "dt": 0.5}, rs[1].Value)

	rs, err = h.m.Tick(context.Background(), 0.5)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, map[string]any{"inits": 1.0, "updates": 2.0, "tick": 2.0, "dt": 0.5}, rs[0].Value)
	assert.EqualValues(t, 2, h.m.CurrentTick())
	assert.EqualValues(t, 2, rs[0].Tick)
}

func TestTickSkipsQuarantined(t *testing.T) {
	h := newHarness(t, nil)
	h.manager(WithFailureThreshold(1))
	bad := h.create(capability.Untrusted, `function update() error("nope") end`)
	good := h.create(capability.Untrusted, `function update() return 1 end`)

	rs, err := h.m.Tick(context.Background(), 0.016)
	require.NoError(t, err)
	require.Len(t, rs, 4)
	assert.Equal(t, RuntimeError, rs[1].Outcome)
	require.NotNil(t, rs[1].Quarantine)

	rs, err = h.m.Tick(context.Background(), 0.016)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, good, rs[0].ContextID)

	info, err := h.m.Info(bad)
	require.NoError(t, err)
	assert.Equal(t, StateQuarantined, info.State)
}

func TestTickInitFailureSkipsUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.manager(WithFailureThreshold(1))
	h.create(capability.Untrusted, `
function init() error("no assets") end
function update() return 1 end`)

	rs, err := h.m.Tick(context.Background(), 0.016)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, EntryInit, rs[0].Entry)
	assert.NotNil(t, rs[0].Quarantine)
}

func TestTickWithWorkers(t *testing.T) {
	h := newHarness(t, nil)
	h.manager(WithWorkers(4))
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, h.create(capability.Untrusted, fmt.Sprintf(`
function update(dt, tick)
  local sum = 0
  for i = 1, 1000 do sum = sum + i end
  return %d
end`, i)))
	}

	for tick := 0; tick < 3; tick++ {
		rs, err := h.m.Tick(context.Background(), 0.016)
		require.NoError(t, err)
		require.Len(t, rs, len(ids))
		for i, r := range rs {
			assert.Equal(t, ids[i], r.ContextID, "results keep creation order")
			assert.Equal(t, Completed, r.Outcome)
			assert.Equal(t, float64(i), r.Value)
		}
	}
}

func TestDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.manager()
	listener := h.create(capability.Untrusted, `
function on_event(name, payload)
  return name .. ":" .. payload.target
end`)
	h.create(capability.Untrusted, "function update() end")

	rs, err := h.m.Dispatch(context.Background(), "damage", map[string]any{"target": "door"})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, listener, rs[0].ContextID)
	assert.Equal(t, "damage:door", rs[0].Value)
}
