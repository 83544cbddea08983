// Package tick defines the discrete simulation tick counter shared by the
// prediction, replication and packet layers. Ticks are 16-bit and wrap, so
// all comparisons go through the modular Diff rather than plain ordering.
package tick

import "time"

// Tick is a wrapping simulation step counter.
type Tick uint16

// Diff returns the signed modular distance a - b. The result is well-defined
// across wraparound: Diff(1, 0xffff) == 2.
func Diff(a, b Tick) int16 {
	return int16(a - b)
}

// Add advances t by n steps, which may be negative.
func (t Tick) Add(n int16) Tick {
	return Tick(uint16(t) + uint16(n))
}

// After reports whether t is strictly ahead of other in modular order.
func (t Tick) After(other Tick) bool {
	return Diff(t, other) > 0
}

// Before reports whether t is strictly behind other in modular order.
func (t Tick) Before(other Tick) bool {
	return Diff(t, other) < 0
}

// Max returns the later of a and b in modular order.
func Max(a, b Tick) Tick {
	if a.After(b) {
		return a
	}
	return b
}

// Manager owns the local tick counter and its mapping to wall-clock time.
// One manager exists per simulation instance; every subsystem stamps its
// operations with the manager's current tick.
type Manager struct {
	current  Tick
	interval time.Duration
	anchor   time.Time
}

// NewManager returns a manager ticking every interval, anchored at now.
func NewManager(interval time.Duration, now time.Time) *Manager {
	return &Manager{
		interval: interval,
		anchor:   now,
	}
}

// Tick returns the current tick.
func (m *Manager) Tick() Tick {
	return m.current
}

// Interval returns the fixed duration of one simulation step.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Advance moves the counter forward by exactly one step and returns the new
// tick. The simulation loop calls this once per fixed update.
func (m *Manager) Advance() Tick {
	m.current++
	m.anchor = m.anchor.Add(m.interval)
	return m.current
}

// TickAt maps a wall-clock instant to the tick that was (or will be) current
// at that instant, relative to the manager's anchor.
func (m *Manager) TickAt(at time.Time) Tick {
	steps := int64(at.Sub(m.anchor) / m.interval)
	return m.current.Add(int16(steps))
}

// Anchor re-anchors the manager so that tick t corresponds to instant at.
// Used when syncing the local clock against the remote peer's tick.
func (m *Manager) Anchor(t Tick, at time.Time) {
	m.current = t
	m.anchor = at
}
