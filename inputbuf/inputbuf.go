// Package inputbuf stores per-entity input values indexed by tick. Writes of
// a value identical to the previous tick's are stored as a marker instead of
// a copy, which is what makes redundant input broadcast cheap.
package inputbuf

import "github.com/leap-fish/rebound/tick"

// Kind discriminates the stored variants of one tick's input.
type Kind uint8

const (
	// KindAbsent means no input is known for the tick.
	KindAbsent Kind = iota
	// KindSameAsPrecedent means the input equals the previous tick's.
	KindSameAsPrecedent
	// KindValue means a concrete input value is stored.
	KindValue
)

// Data is one tick's entry in a Buffer.
type Data[T comparable] struct {
	kind  Kind
	value T
}

func Absent[T comparable]() Data[T] {
	return Data[T]{kind: KindAbsent}
}

func SameAsPrecedent[T comparable]() Data[T] {
	return Data[T]{kind: KindSameAsPrecedent}
}

func Value[T comparable](v T) Data[T] {
	return Data[T]{kind: KindValue, value: v}
}

// Kind returns the variant tag.
func (d Data[T]) Kind() Kind {
	return d.kind
}

// Value returns the concrete value, if the entry holds one.
func (d Data[T]) Value() (T, bool) {
	if d.kind != KindValue {
		var zero T
		return zero, false
	}
	return d.value, true
}

// Buffer is a contiguous window of inputs [Start, End]. The window is
// created on the first Set and only ever moves forward: entries before the
// last Pop are gone for good.
type Buffer[T comparable] struct {
	start    tick.Tick
	hasStart bool
	entries  []Data[T]
}

// Start returns the first tick in the window.
func (b *Buffer[T]) Start() (tick.Tick, bool) {
	return b.start, b.hasStart
}

// End returns the last tick in the window.
func (b *Buffer[T]) End() (tick.Tick, bool) {
	if !b.hasStart || len(b.entries) == 0 {
		return 0, false
	}
	return b.start.Add(int16(len(b.entries) - 1)), true
}

// Len returns the number of ticks covered by the window.
func (b *Buffer[T]) Len() int {
	return len(b.entries)
}

// Set records the input for tick t. A value equal to the effective input of
// t-1 is stored as SameAsPrecedent. Gaps between the window end and t are
// filled with Absent. Writes before the window start are stale and ignored.
func (b *Buffer[T]) Set(t tick.Tick, v T) {
	if !b.hasStart {
		b.start = t
		b.hasStart = true
		b.entries = []Data[T]{Value(v)}
		return
	}

	offset := tick.Diff(t, b.start)
	if offset < 0 {
		return
	}

	for int(offset) >= len(b.entries) {
		b.entries = append(b.entries, Absent[T]())
	}

	// A following SameAsPrecedent entry would silently change meaning when
	// this tick is overwritten; pin it to what it resolved to beforehand.
	if next := int(offset) + 1; next < len(b.entries) && b.entries[next].kind == KindSameAsPrecedent {
		if old, ok := b.effectiveAt(int(offset)); ok {
			b.entries[next] = Value(old)
		} else {
			b.entries[next] = Absent[T]()
		}
	}

	if prev, ok := b.effectiveAt(int(offset) - 1); ok && prev == v {
		b.entries[offset] = SameAsPrecedent[T]()
		return
	}
	b.entries[offset] = Value(v)
}

// GetRaw returns the stored entry for tick t without resolving
// SameAsPrecedent markers.
func (b *Buffer[T]) GetRaw(t tick.Tick) Data[T] {
	if !b.hasStart {
		return Absent[T]()
	}
	offset := tick.Diff(t, b.start)
	if offset < 0 || int(offset) >= len(b.entries) {
		return Absent[T]()
	}
	return b.entries[offset]
}

// Get resolves the effective input at tick t, walking back through
// SameAsPrecedent markers to the closest concrete value.
func (b *Buffer[T]) Get(t tick.Tick) (T, bool) {
	if !b.hasStart {
		var zero T
		return zero, false
	}
	offset := tick.Diff(t, b.start)
	if offset < 0 || int(offset) >= len(b.entries) {
		var zero T
		return zero, false
	}
	return b.effectiveAt(int(offset))
}

func (b *Buffer[T]) effectiveAt(offset int) (T, bool) {
	for i := offset; i >= 0; i-- {
		switch b.entries[i].kind {
		case KindValue:
			return b.entries[i].value, true
		case KindAbsent:
			var zero T
			return zero, false
		}
	}
	var zero T
	return zero, false
}

// Pop discards every entry up to and including tick t, advances the window
// start to t+1 and returns the effective input at t. If the new front was a
// SameAsPrecedent marker it is rehydrated to the concrete value it resolved
// to, since its source is being discarded.
func (b *Buffer[T]) Pop(t tick.Tick) (T, bool) {
	if !b.hasStart {
		var zero T
		return zero, false
	}

	offset := tick.Diff(t, b.start)
	if offset < 0 {
		var zero T
		return zero, false
	}

	last := len(b.entries) - 1
	if int(offset) >= last {
		var popped T
		var hadValue bool
		if int(offset) == last && last >= 0 {
			popped, hadValue = b.effectiveAt(last)
		}
		b.entries = b.entries[:0]
		b.start = t.Add(1)
		return popped, hadValue
	}

	popped, hadValue := b.effectiveAt(int(offset))
	front, frontOk := b.effectiveAt(int(offset) + 1)

	b.entries = append(b.entries[:0], b.entries[offset+1:]...)
	b.start = t.Add(1)

	if b.entries[0].kind == KindSameAsPrecedent {
		if frontOk {
			b.entries[0] = Value(front)
		} else {
			b.entries[0] = Absent[T]()
		}
	}

	return popped, hadValue
}
