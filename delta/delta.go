// Package delta provides the diff/apply-diff erasure layer used by the
// replication sender and receiver to ship component deltas instead of full
// values. Per-type diff functions are registered once at startup and looked
// up through an explicit Registry; dynamic dispatch happens through the
// Codec interface, never through raw pointers.
package delta

import "fmt"

// Codec diffs and patches values of a single component type. Values cross
// the interface as `any` holding the concrete component (or diff) type; the
// typed Register adapter guarantees the assertions hold.
type Codec interface {
	// Diff returns a diff value that transforms base into next.
	Diff(base, next any) any
	// Apply patches base with a diff produced by Diff.
	Apply(base, diff any) any
	// Base returns the zero base used for a receiver that has no
	// acknowledged value yet (the FromBase case).
	Base() any
}

// Fns bundles the typed functions for one component type C with diff type D.
type Fns[C, D any] struct {
	Diff  func(base, next C) D
	Apply func(base C, diff D) C
	Base  func() C
}

type codec[C, D any] struct {
	fns Fns[C, D]
}

func (c codec[C, D]) Diff(base, next any) any {
	return c.fns.Diff(base.(C), next.(C))
}

func (c codec[C, D]) Apply(base, diff any) any {
	return c.fns.Apply(base.(C), diff.(D))
}

func (c codec[C, D]) Base() any {
	if c.fns.Base != nil {
		return c.fns.Base()
	}
	var zero C
	return zero
}

// Registry maps component ids to their delta codecs. Build one at startup
// and hand it to the sender and receiver; there is no ambient global.
type Registry struct {
	codecs map[uint]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[uint]Codec)}
}

// Register installs the codec for component id. Registering an id twice is
// a configuration error and panics, as it would silently change wire
// semantics between peers.
func Register[C, D any](r *Registry, id uint, fns Fns[C, D]) {
	if fns.Diff == nil || fns.Apply == nil {
		panic(fmt.Sprintf("delta: codec for component %d is missing diff or apply", id))
	}
	if _, exists := r.codecs[id]; exists {
		panic(fmt.Sprintf("delta: codec for component %d registered twice", id))
	}
	r.codecs[id] = codec[C, D]{fns: fns}
}

// Lookup returns the codec for id, or nil when the component has no delta
// codec and must be sent in full.
func (r *Registry) Lookup(id uint) Codec {
	return r.codecs[id]
}

// MustLookup returns the codec for id and panics when none is registered.
// A component that requested delta compression without a codec is a
// programming error, not a runtime condition.
func (r *Registry) MustLookup(id uint) Codec {
	c := r.codecs[id]
	if c == nil {
		panic(fmt.Sprintf("delta: no codec registered for component %d", id))
	}
	return c
}

// Registered reports whether id has a codec.
func (r *Registry) Registered(id uint) bool {
	_, ok := r.codecs[id]
	return ok
}
