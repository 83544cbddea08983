package replication

import (
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
	"github.com/yohamta/donburi"

	"github.com/leap-fish/rebound/delta"
	"github.com/leap-fish/rebound/tick"
	"github.com/leap-fish/rebound/typemapper"
)

// Receiver applies replication messages to a local world. Actions arrive in
// order on the reliable channel and are applied as-is; updates are lossy
// and are dropped whenever the actions they depend on have not been applied
// yet. Decoded values at each tick are retained per component as diff
// bases until the sender references a newer baseline.
type Receiver struct {
	world      donburi.World
	mapper     *typemapper.TypeMapper
	components *typemapper.ComponentMapper
	deltas     *delta.Registry
	log        *logrus.Entry

	entities map[NetworkId]donburi.Entity
	bases    map[entityComponent]map[tick.Tick]any

	hasActionTick  bool
	lastActionTick tick.Tick

	onSpawn   func(entity donburi.Entity, id NetworkId, t tick.Tick)
	onDespawn func(entity donburi.Entity, id NetworkId)
}

// ReceiverOptions configures a Receiver. The mapper and component mapper
// must carry the same registrations as the sender's.
type ReceiverOptions struct {
	Mapper     *typemapper.TypeMapper
	Components *typemapper.ComponentMapper
	Deltas     *delta.Registry
	Log        *logrus.Entry
}

func NewReceiver(world donburi.World, opts ReceiverOptions) *Receiver {
	if opts.Mapper == nil {
		opts.Mapper = typemapper.NewMapper(map[uint]any{})
	}
	if opts.Components == nil {
		opts.Components = typemapper.NewComponentMapper()
	}
	if opts.Deltas == nil {
		opts.Deltas = delta.NewRegistry()
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "replication")
	}

	return &Receiver{
		world:      world,
		mapper:     opts.Mapper,
		components: opts.Components,
		deltas:     opts.Deltas,
		log:        opts.Log,
		entities:   make(map[NetworkId]donburi.Entity),
		bases:      make(map[entityComponent]map[tick.Tick]any),
	}
}

// OnSpawn installs a hook called after a replicated entity is created
// locally, before its first values are applied elsewhere. Prediction uses
// this to pair or pre-spawn-match the confirmed entity.
func (r *Receiver) OnSpawn(fn func(entity donburi.Entity, id NetworkId, t tick.Tick)) {
	r.onSpawn = fn
}

// OnDespawn installs a hook called instead of the default entity removal
// when a replicated entity despawns. The hook owns tearing the entity (and
// any predicted counterpart) down.
func (r *Receiver) OnDespawn(fn func(entity donburi.Entity, id NetworkId)) {
	r.onDespawn = fn
}

// Entity resolves a network id to the local entity.
func (r *Receiver) Entity(id NetworkId) (donburi.Entity, bool) {
	entity, ok := r.entities[id]
	return entity, ok
}

// ApplyActions decodes and applies one actions payload sent at tick t.
// Spawns, despawns, removals and inserts are applied in that order. A
// decode failure drops the whole message.
func (r *Receiver) ApplyActions(t tick.Tick, payload []byte) error {
	msg, err := DecodeActions(payload)
	if err != nil {
		return fmt.Errorf("decoding actions: %w", err)
	}

	for _, rec := range msg.Spawns {
		r.applySpawn(rec, t)
	}
	for _, id := range msg.Despawns {
		r.applyDespawn(id)
	}
	for _, rec := range msg.Removals {
		r.applyRemoval(rec)
	}
	for _, rec := range msg.Updates {
		r.applyEntityRecord(rec, t)
	}

	r.lastActionTick = t
	r.hasActionTick = true
	return nil
}

// ApplyUpdates decodes and applies one updates payload. Messages carrying
// an action-tick constraint that local state has not caught up to are
// dropped without error; the sender re-diffs them on a later pass.
func (r *Receiver) ApplyUpdates(payload []byte) error {
	msg, err := DecodeUpdates(payload)
	if err != nil {
		return fmt.Errorf("decoding updates: %w", err)
	}

	if msg.HasActionConstraint() {
		if !r.hasActionTick || tick.Diff(r.lastActionTick, msg.LastActionTick) < 0 {
			r.log.WithFields(logrus.Fields{
				"constraint": msg.LastActionTick,
				"applied":    r.lastActionTick,
			}).Debug("dropping updates ahead of their actions")
			return nil
		}
	}

	for _, rec := range msg.Entities {
		r.applyEntityRecord(rec, msg.RemoteTick)
	}
	return nil
}

// Reset drops all replicated entities and mapping state, used on
// disconnect. Local entities are removed from the world.
func (r *Receiver) Reset() {
	for id, entity := range r.entities {
		if r.world.Valid(entity) {
			r.world.Entry(entity).Remove()
		}
		delete(r.entities, id)
	}
	clear(r.bases)
	r.hasActionTick = false
}

func (r *Receiver) applySpawn(rec EntityRecord, t tick.Tick) {
	if _, ok := r.entities[rec.Id]; ok {
		// The sender resends spawns until they are acked; the entity
		// already exists, so treat the rest as a plain value refresh.
		r.applyEntityRecord(rec, t)
		return
	}

	ctypes := []donburi.IComponentType{NetworkIdComponent}
	for _, comp := range rec.Components {
		ctype := r.components.LookupComponent(comp.Component)
		if ctype == nil {
			r.log.WithField("component", comp.Component).
				Warn("spawn carries unregistered component")
			continue
		}
		ctypes = append(ctypes, ctype)
	}

	entity := r.world.Create(ctypes...)
	entry := r.world.Entry(entity)
	NetworkIdComponent.SetValue(entry, rec.Id)
	r.entities[rec.Id] = entity

	for _, comp := range rec.Components {
		r.applyComponent(entry, rec.Id, comp, t)
	}

	if r.onSpawn != nil {
		r.onSpawn(entity, rec.Id, t)
	}
}

func (r *Receiver) applyDespawn(id NetworkId) {
	entity, ok := r.entities[id]
	if !ok {
		// Already gone; a visibility loss and an authoritative despawn can
		// both be staged before the first reaches us.
		r.log.WithField("network_id", id).Debug("ignoring redundant despawn")
		return
	}
	delete(r.entities, id)
	r.dropBases(id)

	if r.onDespawn != nil {
		r.onDespawn(entity, id)
		return
	}
	if r.world.Valid(entity) {
		r.world.Entry(entity).Remove()
	}
}

func (r *Receiver) applyRemoval(rec RemovalRecord) {
	entity, ok := r.entities[rec.Id]
	if !ok || !r.world.Valid(entity) {
		return
	}
	entry := r.world.Entry(entity)

	for _, comp := range rec.Components {
		ctype := r.components.LookupComponent(comp)
		if ctype == nil {
			continue
		}
		if entry.HasComponent(ctype) {
			entry.RemoveComponent(ctype)
		}
		delete(r.bases, entityComponent{entity: rec.Id, component: comp})
	}
}

func (r *Receiver) applyEntityRecord(rec EntityRecord, t tick.Tick) {
	entity, ok := r.entities[rec.Id]
	if !ok || !r.world.Valid(entity) {
		r.log.WithField("network_id", rec.Id).
			Debug("dropping record for unknown entity")
		return
	}
	entry := r.world.Entry(entity)

	for _, comp := range rec.Components {
		r.applyComponent(entry, rec.Id, comp, t)
	}
}

func (r *Receiver) applyComponent(entry *donburi.Entry, id NetworkId, comp ComponentRecord, t tick.Tick) {
	ctype := r.components.LookupComponent(comp.Component)
	if ctype == nil {
		r.log.WithField("component", comp.Component).
			Warn("record carries unregistered component")
		return
	}

	decoded, err := r.mapper.Deserialize(comp.Payload)
	if err != nil {
		r.log.WithError(err).WithField("component", comp.Component).
			Error("failed to deserialize component, skipping")
		return
	}

	key := entityComponent{entity: id, component: comp.Component}

	var value any
	switch comp.Kind {
	case DeltaFull:
		value = decoded

	case DeltaFromBase:
		codec := r.deltas.MustLookup(comp.Component)
		value = codec.Apply(codec.Base(), decoded)

	case DeltaNormal:
		codec := r.deltas.MustLookup(comp.Component)
		base, ok := r.bases[key][comp.BaseTick]
		if !ok {
			// The sender only references ticks we acknowledged, so the
			// base should be retained. Skip and wait for a re-diff.
			r.log.WithFields(logrus.Fields{
				"component": comp.Component,
				"base_tick": comp.BaseTick,
			}).Error("missing diff base for update")
			return
		}
		value = codec.Apply(base, decoded)
		r.pruneBases(key, comp.BaseTick)

	default:
		r.log.WithField("kind", comp.Kind).Warn("unknown delta kind")
		return
	}

	value = r.mapEntities(value)

	if !entry.HasComponent(ctype) {
		entry.AddComponent(ctype)
	}
	entry.SetComponent(ctype, componentFromVal(ctype, value))

	r.storeBase(key, t, value)
}

// mapEntities rewrites embedded network ids into local entities for
// components implementing EntityMapper.
func (r *Receiver) mapEntities(value any) any {
	ptr := reflect.New(reflect.TypeOf(value))
	ptr.Elem().Set(reflect.ValueOf(value))

	mapper, ok := ptr.Interface().(EntityMapper)
	if !ok {
		return value
	}
	mapper.MapEntities(r.Entity)

	return ptr.Elem().Interface()
}

func (r *Receiver) storeBase(key entityComponent, t tick.Tick, value any) {
	if !r.components.Options(key.component).Delta {
		return
	}
	history, ok := r.bases[key]
	if !ok {
		history = make(map[tick.Tick]any)
		r.bases[key] = history
	}
	history[t] = value
}

// pruneBases drops retained values older than the baseline the sender just
// referenced: an acknowledged later baseline means the older ones can never
// be needed again.
func (r *Receiver) pruneBases(key entityComponent, base tick.Tick) {
	for t := range r.bases[key] {
		if tick.Diff(t, base) < 0 {
			delete(r.bases[key], t)
		}
	}
}

func (r *Receiver) dropBases(id NetworkId) {
	for key := range r.bases {
		if key.entity == id {
			delete(r.bases, key)
		}
	}
}
