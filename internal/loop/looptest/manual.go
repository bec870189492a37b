// Package looptest provides a deterministic loop.Executor with virtual
// time for state-machine tests.
package looptest

import (
	"sort"
	"time"

	"github.com/nhle/courier/internal/loop"
)

// Manual queues every posted turn and background task until Drain or
// Advance is called. Background tasks run inline, in order, as if they
// were turns; fakes behind them must therefore not block.
type Manual struct {
	now    time.Duration
	queue  []func()
	timers []*manualTimer
	seq    int
}

var _ loop.Executor = (*Manual)(nil)

type manualTimer struct {
	due     time.Duration
	delay   time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// New returns an empty Manual executor at virtual time zero.
func New() *Manual {
	return &Manual{}
}

// Post queues fn.
func (m *Manual) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

// Go queues fn like a turn.
func (m *Manual) Go(fn func()) {
	m.queue = append(m.queue, fn)
}

// AfterFunc registers fn to be queued once virtual time reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) loop.Timer {
	m.seq++
	t := &manualTimer{due: m.now + d, delay: d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs queued turns until the queue is empty.
func (m *Manual) Drain() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline
// order and draining after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		m.Drain()
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.due
		next.fired = true
		m.queue = append(m.queue, next.fn)
	}
	m.now = target
	m.Drain()
}

// nextDue returns the earliest active timer due at or before target.
func (m *Manual) nextDue(target time.Duration) *manualTimer {
	var best *manualTimer
	for _, t := range m.timers {
		if t.stopped || t.fired || t.due > target {
			continue
		}
		if best == nil || t.due < best.due || (t.due == best.due && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Duration {
	return m.now
}

// ActiveTimers returns the delays of timers that are neither stopped nor
// fired, in scheduling order.
func (m *Manual) ActiveTimers() []time.Duration {
	var active []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].seq < active[j].seq })
	delays := make([]time.Duration, len(active))
	for i, t := range active {
		delays[i] = t.delay
	}
	return delays
}

// FireStopped queues the callbacks of timers that were stopped but not
// yet fired, then drains. It simulates a timer whose callback raced past
// Stop and was already posted.
func (m *Manual) FireStopped() {
	for _, t := range m.timers {
		if t.stopped && !t.fired {
			t.fired = true
			m.queue = append(m.queue, t.fn)
		}
	}
	m.Drain()
}
