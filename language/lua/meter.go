package lua

import (
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/moonguard/governor"
)

const (
	heapAllocsMetric = "/gc/heap/allocs:bytes"
	meterInterval    = time.Millisecond
)

// meter holds the interpreter's own heap growth against the governor
// while an invocation runs. gopher-lua allocates straight from the Go
// heap, so the process-wide allocation counter is sampled at every host
// call and on a ticker. Growth since the invocation began, minus bytes
// builtins already charged and bytes host functions allocated, is charged
// until the invocation ends.
//
// The counter is cumulative and process-wide: garbage the script dropped
// still counts, and so do allocations made by other goroutines in the
// same window.
type meter struct {
	gov *governor.Governor

	// charged and hosted are written by the interpreter goroutine and read
	// by the ticker.
	charged atomic.Int64
	hosted  atomic.Int64
	inHost  atomic.Bool
	active  atomic.Bool

	mu      sync.Mutex
	samples []metrics.Sample
	base    int64
	held    int64

	stop chan struct{}
	done chan struct{}
}

func newMeter(gov *governor.Governor) *meter {
	return &meter{
		gov:     gov,
		samples: []metrics.Sample{{Name: heapAllocsMetric}},
	}
}

func (m *meter) read() int64 {
	metrics.Read(m.samples)
	if m.samples[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(m.samples[0].Value.Uint64())
}

// start opens a metering window and starts the ticker.
func (m *meter) start() {
	m.mu.Lock()
	m.base = m.read()
	m.held = 0
	m.mu.Unlock()
	m.charged.Store(0)
	m.hosted.Store(0)
	m.inHost.Store(false)
	m.active.Store(true)

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
}

func (m *meter) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(meterInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if m.sample() != nil {
				return
			}
		}
	}
}

// sample charges growth observed since the last sample. A failed charge
// trips the governor, which cancels the invocation context.
func (m *meter) sample() error {
	if !m.active.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inHost.Load() {
		return nil
	}
	grown := m.read() - m.base - m.charged.Load() - m.hosted.Load()
	if grown <= m.held {
		return m.gov.Check()
	}
	if err := m.gov.Alloc(grown - m.held); err != nil {
		return err
	}
	m.held = grown
	return nil
}

// enter samples before a host function runs and pauses the ticker. The
// returned mark is handed to leave.
func (m *meter) enter() (int64, error) {
	if err := m.sample(); err != nil {
		return 0, err
	}
	if !m.active.Load() {
		return 0, nil
	}
	m.inHost.Store(true)
	m.mu.Lock()
	mark := m.read()
	m.mu.Unlock()
	return mark, nil
}

// leave excludes what the host function allocated since mark.
func (m *meter) leave(mark int64) {
	if !m.active.Load() {
		return
	}
	m.mu.Lock()
	m.hosted.Add(m.read() - mark)
	m.mu.Unlock()
	m.inHost.Store(false)
}

// charge records n bytes a builtin charged to the governor directly.
func (m *meter) charge(n int64) {
	m.charged.Add(n)
}

// finish stops the ticker, takes a last sample and returns the bytes
// charged during the window: sampled growth plus builtin charges. The
// caller frees them.
func (m *meter) finish() int64 {
	if m.stop != nil {
		close(m.stop)
		<-m.done
		m.stop, m.done = nil, nil
	}
	m.sample()
	m.active.Store(false)

	m.mu.Lock()
	held := m.held
	m.held = 0
	m.mu.Unlock()
	return held + m.charged.Swap(0)
}
