// Package prediction implements client-side prediction: per-component
// history buffers, the rollback decision and replay engine, the
// confirmed/predicted entity pairing and its despawn protocol, and matching
// of pre-spawned entities against later server confirmations.
package prediction

import "github.com/leap-fish/rebound/tick"

// StateKind discriminates a history entry.
type StateKind uint8

const (
	// StateUpdated records the component's value at a tick.
	StateUpdated StateKind = iota + 1
	// StateRemoved records that the component was removed at a tick.
	StateRemoved
)

// Entry is one change in a component's history.
type Entry[C any] struct {
	Tick  tick.Tick
	Kind  StateKind
	Value C
}

// History is a sparse, tick-ordered record of one component's changes on
// one predicted entity. Only ticks where the value changed are stored;
// reads resolve to the most recent entry at or before the requested tick.
type History[C any] struct {
	entries []Entry[C]
}

// Len returns the number of stored entries.
func (h *History[C]) Len() int {
	return len(h.entries)
}

// Add records value at tick t, replacing any entry already at t.
func (h *History[C]) Add(t tick.Tick, value C) {
	h.insert(Entry[C]{Tick: t, Kind: StateUpdated, Value: value})
}

// AddRemoved records the component's removal at tick t.
func (h *History[C]) AddRemoved(t tick.Tick) {
	h.insert(Entry[C]{Tick: t, Kind: StateRemoved})
}

func (h *History[C]) insert(e Entry[C]) {
	// Appends dominate: the simulation writes monotonically increasing
	// ticks outside of rollback.
	for i := len(h.entries) - 1; i >= 0; i-- {
		d := tick.Diff(e.Tick, h.entries[i].Tick)
		if d > 0 {
			h.entries = append(h.entries[:i+1], append([]Entry[C]{e}, h.entries[i+1:]...)...)
			return
		}
		if d == 0 {
			h.entries[i] = e
			return
		}
	}
	h.entries = append([]Entry[C]{e}, h.entries...)
}

// At returns the most recent entry at or before tick t.
func (h *History[C]) At(t tick.Tick) (Entry[C], bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if tick.Diff(h.entries[i].Tick, t) <= 0 {
			return h.entries[i], true
		}
	}
	return Entry[C]{}, false
}

// Latest returns the newest entry.
func (h *History[C]) Latest() (Entry[C], bool) {
	if len(h.entries) == 0 {
		return Entry[C]{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// PopUntilTick removes every entry at or before tick t and returns the most
// recent of them. That entry is re-inserted at t so reads for later ticks
// still resolve: once written, a history never goes empty from pruning.
func (h *History[C]) PopUntilTick(t tick.Tick) (Entry[C], bool) {
	idx := -1
	for i, e := range h.entries {
		if tick.Diff(e.Tick, t) <= 0 {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return Entry[C]{}, false
	}

	popped := h.entries[idx]
	h.entries = h.entries[idx+1:]

	popped.Tick = t
	h.insert(popped)
	return popped, true
}

// ClearFrom removes every entry at or after tick t, in preparation for a
// rollback that replaces them.
func (h *History[C]) ClearFrom(t tick.Tick) {
	for i, e := range h.entries {
		if tick.Diff(e.Tick, t) >= 0 {
			h.entries = h.entries[:i]
			return
		}
	}
}

// Clear drops all entries.
func (h *History[C]) Clear() {
	h.entries = h.entries[:0]
}
