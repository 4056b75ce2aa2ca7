package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/caffeineduck/moonguard/governor"
)

// listenerFactory attaches the governor to every guest function.
type listenerFactory struct {
	gov *governor.Governor
}

func (f *listenerFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return &listener{gov: f.gov}
}

// listener charges one step and one frame per guest call. A refused call
// panics with the governor's error; wazero unwinds the guest stack and
// returns it from Call.
type listener struct {
	gov *governor.Governor
}

func (l *listener) Before(_ context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if err := l.gov.Step(1); err != nil {
		panic(err)
	}
	if err := l.gov.Enter(); err != nil {
		panic(err)
	}
}

func (l *listener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {
	l.gov.Leave()
}

func (l *listener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {
	l.gov.Leave()
}

// linearMemory is a guest memory whose growth is charged to the governor.
type linearMemory struct {
	gov     *governor.Governor
	max     uint64
	buf     []byte
	charged int64
}

// Reallocate grows the memory to size bytes. Returning nil makes
// memory.grow fail with -1. The memory is one Go slice, so its whole size
// is held to the single-allocation ceiling.
func (m *linearMemory) Reallocate(size uint64) []byte {
	if size > m.max {
		return nil
	}
	if ceiling := m.gov.Limits().AllocCeiling(); size > uint64(ceiling) {
		m.gov.AllocBlock(int64(size))
		return nil
	}
	if cur := uint64(len(m.buf)); size > cur {
		n := int64(size - cur)
		if err := m.gov.Alloc(n); err != nil {
			return nil
		}
		m.charged += n
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

// Free returns the charged bytes. It is safe to call more than once.
func (m *linearMemory) Free() {
	m.gov.Free(m.charged)
	m.charged = 0
	m.buf = nil
}
