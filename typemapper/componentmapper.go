package typemapper

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/yohamta/donburi"
)

// ComponentOptions configures how a replicated component is shipped.
type ComponentOptions struct {
	// Delta ships diffs through a registered delta codec instead of full
	// values. Requires a codec in the sender's delta registry.
	Delta bool
}

type registeredComponent struct {
	ctype donburi.IComponentType
	opts  ComponentOptions
}

// ComponentMapper binds wire component ids to donburi component types and
// their replication options. It is the explicit component registry handed
// to the replication sender and receiver; both peers must build identical
// mappings.
type ComponentMapper struct {
	mu sync.RWMutex

	typeToId      map[reflect.Type]uint
	idToComponent map[uint]registeredComponent
}

func NewComponentMapper() *ComponentMapper {
	return &ComponentMapper{
		typeToId:      make(map[reflect.Type]uint),
		idToComponent: make(map[uint]registeredComponent),
	}
}

// RegisterComponent binds id to the donburi component type with the given
// options.
func (c *ComponentMapper) RegisterComponent(id uint, ctype donburi.IComponentType, opts ComponentOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.idToComponent[id]; ok && existing.ctype.Typ() != ctype.Typ() {
		return fmt.Errorf("%w: component id %d already maps to %s", ErrIdReserved, id, existing.ctype.Name())
	}

	c.idToComponent[id] = registeredComponent{ctype: ctype, opts: opts}
	c.typeToId[ctype.Typ()] = id
	return nil
}

// LookupComponent returns the donburi component type for id, or nil.
func (c *ComponentMapper) LookupComponent(id uint) donburi.IComponentType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.idToComponent[id]
	if !ok {
		return nil
	}
	return entry.ctype
}

// LookupId returns the wire id for a component's underlying type, or 0.
func (c *ComponentMapper) LookupId(typ reflect.Type) uint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.typeToId[typ]
}

// Options returns the replication options registered for id.
func (c *ComponentMapper) Options(id uint) ComponentOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.idToComponent[id].opts
}

// Registered reports whether id is bound.
func (c *ComponentMapper) Registered(id uint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.idToComponent[id]
	return ok
}

// Ids returns all registered component ids in ascending order. Iteration
// order matters wherever serialization must be deterministic.
func (c *ComponentMapper) Ids() []uint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]uint, 0, len(c.idToComponent))
	for id := range c.idToComponent {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each calls fn for every registered component in ascending id order.
func (c *ComponentMapper) Each(fn func(id uint, ctype donburi.IComponentType, opts ComponentOptions)) {
	for _, id := range c.Ids() {
		c.mu.RLock()
		entry := c.idToComponent[id]
		c.mu.RUnlock()
		fn(id, entry.ctype, entry.opts)
	}
}
