package clock

import (
	"sync"
	"time"
)

// Manual is a clock that only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []manualTimer
	changed chan struct{}
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual starts a manual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), changed: make(chan struct{})}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, manualTimer{at: m.now.Add(d), ch: ch})
	m.signalLocked()
	return ch
}

// Advance moves time forward by d and fires due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if t.at.After(m.now) {
			remaining = append(remaining, t)
			continue
		}
		t.ch <- m.now
	}
	m.timers = remaining
	m.signalLocked()
	return m.now
}

// Pending returns the number of timers not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// WaitForTimers blocks until at least n timers are pending or timeout
// elapses in real time. It reports whether the count was reached.
func (m *Manual) WaitForTimers(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.timers) >= n {
			m.mu.Unlock()
			return true
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (m *Manual) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
