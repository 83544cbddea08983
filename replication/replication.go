// Package replication moves entity state from a server world to client
// worlds. The send side stages spawns, despawns, removals and component
// mutations per receiver, diffs against the last value each receiver
// acknowledged, and packs the result into size-bounded messages. The
// receive side applies action messages in order, gates update messages on
// the action tick they depend on, and remaps embedded entity ids into the
// local world.
package replication

import (
	"reflect"
	"unsafe"

	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"
)

// NetworkId identifies a replicated entity across peers. Each peer maps it
// to its own local donburi entity.
type NetworkId uint32

// NetworkIdComponent tags entities marked for replication with their
// network id.
var NetworkIdComponent = donburi.NewComponentType[NetworkId]()

// NetworkEntityQuery iterates every entity marked for replication.
var NetworkEntityQuery = donburi.NewQuery(filter.Contains(NetworkIdComponent))

// GroupKey names a replication group. Entities sharing a non-zero group key
// have their updates packed into the same message whenever they fit; the
// zero key means per-entity delivery.
type GroupKey uint64

// EntityMapper lets replicated components translate embedded network ids
// into local entities after decoding. Components that carry entity
// references implement it; the receiver calls it before applying the value.
type EntityMapper interface {
	MapEntities(resolve func(id NetworkId) (donburi.Entity, bool))
}

// GetNetworkId returns the network id on an entry, or nil when the entry is
// invalid or untagged.
func GetNetworkId(entry *donburi.Entry) *NetworkId {
	if entry == nil {
		return nil
	}

	if !entry.Valid() {
		return nil
	}

	if !entry.HasComponent(NetworkIdComponent) {
		return nil
	}

	return NetworkIdComponent.Get(entry)
}

// FindByNetworkId performs an "Each" query over network entities to find
// one with a matching id.
func FindByNetworkId(world donburi.World, networkId NetworkId) donburi.Entity {
	var found donburi.Entity
	NetworkEntityQuery.Each(world, func(entry *donburi.Entry) {
		id := GetNetworkId(entry)
		if id == nil || *id != networkId {
			return
		}

		found = entry.Entity()
	})

	return found
}

func componentFromVal(ctype donburi.IComponentType, value any) unsafe.Pointer {
	if reflect.TypeOf(value) != ctype.Typ() {
		panic("type assertion failed")
	}
	newVal := reflect.New(ctype.Typ()).Elem()
	newVal.Set(reflect.ValueOf(value))

	return unsafe.Pointer(newVal.UnsafeAddr())
}
