package replication

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/component"
	"golang.org/x/sync/errgroup"

	"github.com/leap-fish/rebound/delta"
	"github.com/leap-fish/rebound/packet"
	"github.com/leap-fish/rebound/tick"
	"github.com/leap-fish/rebound/typemapper"
	"github.com/leap-fish/rebound/visibility"
)

// ClientID identifies one receiver, shared with the visibility layer.
type ClientID = visibility.ClientID

// Transport ships one replication payload to a client and reports the
// packet id it was carried in, so acknowledgements can be correlated back
// through Ack and Nack. Implementations must not block on the network.
type Transport interface {
	Send(client ClientID, packetType packet.Type, payload []byte) (packet.ID, error)
}

// Options configures a Sender. Zero fields fall back to fresh registries,
// a fresh visibility manager and the default byte budget.
type Options struct {
	Mapper     *typemapper.TypeMapper
	Components *typemapper.ComponentMapper
	Deltas     *delta.Registry
	Visibility *visibility.Manager
	ByteBudget int
	Log        *logrus.Entry
}

type entityComponent struct {
	entity    NetworkId
	component uint
}

type ackedValue struct {
	payload []byte
	tick    tick.Tick
}

type deliveredValue struct {
	key     entityComponent
	payload []byte
}

type pendingDelivery struct {
	collected tick.Tick
	values    []deliveredValue
	groups    []GroupKey
	spawns    []NetworkId
	despawns  []NetworkId
}

// clientState is the per-receiver sender state. Every receiver sits at its
// own ack cursor, so diff baselines, staging buffers and pending deliveries
// are all per client. A send pass touches exactly one clientState, which is
// what makes parallel per-receiver passes safe.
type clientState struct {
	id ClientID

	arena   SerializedData
	actions Actions
	updates Updates

	// known holds the entities this receiver has been sent a spawn for and
	// no despawn yet. It is what collapses redundant despawns to one.
	known   map[NetworkId]struct{}
	acked   map[entityComponent]ackedValue
	pending map[packet.ID]pendingDelivery
	cursors map[GroupKey]tick.Tick

	// Lifecycle changes ride the reliable actions channel: spawns and
	// despawns stay here and are restaged every pass until an ack lands.
	unackedSpawns   map[NetworkId]struct{}
	unackedDespawns map[NetworkId]struct{}

	hasActionTick  bool
	lastActionTick tick.Tick
}

// Sender replicates the marked entities of one world to every registered
// client. Each send pass collects per-receiver changes against that
// receiver's last acknowledged values, frames lifecycle changes as actions
// and mutations as budget-packed updates, and hands the payloads to the
// transport.
type Sender struct {
	world     donburi.World
	transport Transport

	mapper     *typemapper.TypeMapper
	components *typemapper.ComponentMapper
	deltas     *delta.Registry
	vis        *visibility.Manager
	budget     int
	log        *logrus.Entry

	mu         sync.Mutex
	clients    map[ClientID]*clientState
	replicated map[donburi.Entity][]donburi.IComponentType
	groups     map[NetworkId]GroupKey
	despawns   []NetworkId
	nextId     NetworkId
}

func NewSender(world donburi.World, transport Transport, opts Options) *Sender {
	if opts.Mapper == nil {
		opts.Mapper = typemapper.NewMapper(map[uint]any{})
	}
	if opts.Components == nil {
		opts.Components = typemapper.NewComponentMapper()
	}
	if opts.Deltas == nil {
		opts.Deltas = delta.NewRegistry()
	}
	if opts.Visibility == nil {
		opts.Visibility = visibility.NewManager()
	}
	if opts.ByteBudget == 0 {
		opts.ByteBudget = DefaultByteBudget
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "replication")
	}

	return &Sender{
		world:      world,
		transport:  transport,
		mapper:     opts.Mapper,
		components: opts.Components,
		deltas:     opts.Deltas,
		vis:        opts.Visibility,
		budget:     opts.ByteBudget,
		log:        opts.Log,
		clients:    make(map[ClientID]*clientState),
		replicated: make(map[donburi.Entity][]donburi.IComponentType),
		groups:     make(map[NetworkId]GroupKey),
	}
}

// Visibility returns the manager deciding which entities reach which
// clients.
func (s *Sender) Visibility() *visibility.Manager {
	return s.vis
}

// AddClient registers a receiver. Relevance still has to be granted through
// the visibility layer before anything is sent.
func (s *Sender) AddClient(client ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client]; ok {
		return
	}
	s.clients[client] = &clientState{
		id:              client,
		known:           make(map[NetworkId]struct{}),
		acked:           make(map[entityComponent]ackedValue),
		pending:         make(map[packet.ID]pendingDelivery),
		cursors:         make(map[GroupKey]tick.Tick),
		unackedSpawns:   make(map[NetworkId]struct{}),
		unackedDespawns: make(map[NetworkId]struct{}),
	}
}

// RemoveClient drops all per-receiver state, used on disconnect. A
// reconnecting client starts from scratch and is sent full spawns again.
func (s *Sender) RemoveClient(client ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, client)
	s.vis.RemoveClient(client)
}

// Replicate marks an entity and a list of its components for network
// synchronization, assigning it a network id. It returns an error if the
// entity does not have all the listed components.
func (s *Sender) Replicate(entity donburi.Entity, components ...donburi.IComponentType) (NetworkId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.world.Entry(entity)
	for _, listComponent := range components {
		if !entry.HasComponent(listComponent) {
			return 0, fmt.Errorf("entity %d does not have the component %s", entry.Id(), listComponent.Name())
		}
	}

	s.nextId++
	networkId := s.nextId

	entry.AddComponent(NetworkIdComponent)
	NetworkIdComponent.SetValue(entry, networkId)

	s.replicated[entity] = components
	return networkId, nil
}

// Group assigns an entity to a replication group so its updates ship in
// the same message as the rest of the group whenever they fit.
func (s *Sender) Group(entity donburi.Entity, group GroupKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.world.Entry(entity)
	id := GetNetworkId(entry)
	if id == nil {
		return
	}
	if group == 0 {
		delete(s.groups, *id)
		return
	}
	s.groups[*id] = group
}

// Despawn stages an authoritative despawn for every receiver that knows the
// entity and releases its replication bookkeeping. The caller removes the
// entity from the world afterwards.
func (s *Sender) Despawn(entity donburi.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.world.Entry(entity)
	id := GetNetworkId(entry)
	if id == nil {
		return
	}

	s.despawns = append(s.despawns, *id)
	delete(s.replicated, entity)
	delete(s.groups, *id)
	s.vis.RemoveEntity(entity)
}

// SendAll runs one replication pass: merges pending visibility events,
// collects and sends per-receiver messages in parallel, then advances the
// transient visibility states. World component data must not be mutated
// while the pass runs.
func (s *Sender) SendAll(ctx context.Context, current tick.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vis.Update()

	// donburi queries rebuild their archetype cache lazily on Each, so the
	// world walk happens once here; the per-client goroutines iterate the
	// shared snapshot and only read component data.
	var entries []*donburi.Entry
	NetworkEntityQuery.Each(s.world, func(entry *donburi.Entry) {
		entries = append(entries, entry)
	})

	errs, _ := errgroup.WithContext(ctx)
	for _, cs := range s.clients {
		cs := cs
		errs.Go(func() error {
			return s.sendTo(cs, current, entries)
		})
	}
	err := errs.Wait()

	s.despawns = s.despawns[:0]
	s.vis.AfterSend()

	return err
}

// Ack confirms delivery of one packet: the values it carried become the
// receiver's new diff baselines and the group cursors advance to the tick
// the packet was collected at.
func (s *Sender) Ack(client ClientID, id packet.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.clients[client]
	if !ok {
		return
	}
	d, ok := cs.pending[id]
	if !ok {
		return
	}
	delete(cs.pending, id)

	for _, v := range d.values {
		cs.acked[v.key] = ackedValue{payload: v.payload, tick: d.collected}
	}
	for _, g := range d.groups {
		if cur, ok := cs.cursors[g]; !ok || tick.Diff(d.collected, cur) > 0 {
			cs.cursors[g] = d.collected
		}
	}
	for _, nid := range d.spawns {
		delete(cs.unackedSpawns, nid)
	}
	for _, nid := range d.despawns {
		delete(cs.unackedDespawns, nid)
	}
}

// Nack reports a lost packet. The delivery is forgotten and nothing is
// retransmitted literally: with the baseline unmoved, the next pass
// re-diffs and re-includes whatever is still newer than the last ack.
func (s *Sender) Nack(client ClientID, id packet.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.clients[client]
	if !ok {
		return
	}
	delete(cs.pending, id)
}

// GroupCursor returns the last collect tick acknowledged for a group by a
// client.
func (s *Sender) GroupCursor(client ClientID, group GroupKey) (tick.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.clients[client]
	if !ok {
		return 0, false
	}
	t, ok := cs.cursors[group]
	return t, ok
}

func (s *Sender) sendTo(cs *clientState, current tick.Tick, entries []*donburi.Entry) error {
	staged := s.collect(cs, current, entries)

	// Updates staged this pass only touch entities the receiver already
	// holds, so they are gated on the previous actions tick, not on the
	// actions message going out right now.
	constraint := current
	if cs.hasActionTick {
		constraint = cs.lastActionTick
	}

	if !cs.actions.Empty() {
		payload := cs.actions.Encode(&cs.arena)
		pid, err := s.transport.Send(cs.id, packet.TypeActions, payload)
		if err != nil {
			return err
		}
		cs.pending[pid] = pendingDelivery{
			collected: current,
			values:    staged.actionValues,
			spawns:    staged.spawnIds,
			despawns:  staged.despawnIds,
		}
		cs.lastActionTick = current
		cs.hasActionTick = true
	}

	if cs.updates.Empty() {
		return nil
	}
	for _, msg := range cs.updates.Pack(s.budget) {
		payload := EncodeUpdates(current, constraint, msg.Entities, &cs.arena)
		pid, err := s.transport.Send(cs.id, packet.TypeUpdates, payload)
		if err != nil {
			return err
		}

		var values []deliveredValue
		for _, e := range msg.Entities {
			values = append(values, staged.updateValues[e.Id]...)
		}
		cs.pending[pid] = pendingDelivery{collected: current, values: values, groups: msg.Groups}
	}

	return nil
}

type collected struct {
	actionValues []deliveredValue
	updateValues map[NetworkId][]deliveredValue
	spawnIds     []NetworkId
	despawnIds   []NetworkId
}

func (s *Sender) collect(cs *clientState, current tick.Tick, entries []*donburi.Entry) collected {
	cs.arena.Reset()
	cs.actions.Reset()
	cs.updates.Reset()

	out := collected{updateValues: make(map[NetworkId][]deliveredValue)}

	for _, id := range s.despawns {
		if _, ok := cs.known[id]; !ok {
			continue
		}
		s.forget(cs, id)
		cs.unackedDespawns[id] = struct{}{}
	}

	for _, entry := range entries {
		id := GetNetworkId(entry)
		if id == nil {
			continue
		}

		state, tracked := s.vis.State(entry.Entity(), cs.id)
		_, known := cs.known[*id]

		switch {
		case tracked && state == visibility.StateLost:
			if known {
				s.forget(cs, *id)
				cs.unackedDespawns[*id] = struct{}{}
			}

		case tracked && !known:
			// Gained, or tracked state without a spawn on record (a
			// receiver readded after a reset). Ship the full entity; a
			// despawn still awaiting its ack is superseded by the respawn.
			delete(cs.unackedDespawns, *id)
			if s.stageSpawn(cs, entry, *id, &out) {
				cs.known[*id] = struct{}{}
			}

		case tracked && state == visibility.StateMaintained:
			if _, unacked := cs.unackedSpawns[*id]; unacked {
				// The spawn packet may still be in flight or lost; keep
				// shipping the full entity until an ack confirms it.
				s.stageSpawn(cs, entry, *id, &out)
				continue
			}
			s.collectEntity(cs, entry, *id, current, &out)
		}
	}

	for id := range cs.unackedDespawns {
		cs.actions.AddDespawn(id)
		out.despawnIds = append(out.despawnIds, id)
	}

	return out
}

// stageSpawn frames the full entity as a spawn action and marks it unacked
// so it is restaged until delivery is confirmed.
func (s *Sender) stageSpawn(cs *clientState, entry *donburi.Entry, id NetworkId, out *collected) bool {
	comps, values := s.serializeEntity(entry, id)
	if len(comps) == 0 {
		return false
	}
	cs.actions.AddSpawn(appendEntityRecord(&cs.arena, id, comps))
	cs.unackedSpawns[id] = struct{}{}
	out.actionValues = append(out.actionValues, values...)
	out.spawnIds = append(out.spawnIds, id)
	return true
}

// serializeEntity stages every replicated component present on the entity
// for a receiver with no baseline: full values, or FromBase diffs for
// delta-compressed components.
func (s *Sender) serializeEntity(entry *donburi.Entry, id NetworkId) ([]stagedComponent, []deliveredValue) {
	var comps []stagedComponent
	var values []deliveredValue

	s.eachReplicated(entry, func(compId uint, payload []byte) {
		key := entityComponent{entity: id, component: compId}
		staged, ok := s.stageInitial(key, payload)
		if !ok {
			return
		}
		comps = append(comps, staged)
		values = append(values, deliveredValue{key: key, payload: payload})
	})

	return comps, values
}

// stageInitial stages a component the receiver has no acknowledged value
// for yet.
func (s *Sender) stageInitial(key entityComponent, payload []byte) (stagedComponent, bool) {
	opts := s.components.Options(key.component)
	if !opts.Delta {
		return stagedComponent{id: key.component, kind: DeltaFull, payload: payload}, true
	}

	codec := s.deltas.MustLookup(key.component)

	next, err := s.mapper.Deserialize(payload)
	if err != nil {
		s.logComponentError(key, err)
		return stagedComponent{}, false
	}
	diffPayload, err := s.mapper.Serialize(codec.Diff(codec.Base(), next))
	if err != nil {
		s.logComponentError(key, err)
		return stagedComponent{}, false
	}

	return stagedComponent{id: key.component, kind: DeltaFromBase, payload: diffPayload}, true
}

// collectEntity stages the per-component work for one maintained entity:
// newly present components become insert actions, removed components become
// removal actions, changed components become (possibly delta-compressed)
// update records.
func (s *Sender) collectEntity(cs *clientState, entry *donburi.Entry, id NetworkId, current tick.Tick, out *collected) {
	present := make(map[uint]struct{})
	var updates []stagedComponent
	var inserts []stagedComponent

	s.eachReplicated(entry, func(compId uint, payload []byte) {
		present[compId] = struct{}{}
		key := entityComponent{entity: id, component: compId}

		prev, acked := cs.acked[key]
		if !acked {
			// Never acknowledged for this receiver: frame as an insert on
			// the reliable channel, resent every pass until the ack lands.
			staged, ok := s.stageInitial(key, payload)
			if !ok {
				return
			}
			inserts = append(inserts, staged)
			out.actionValues = append(out.actionValues, deliveredValue{key: key, payload: payload})
			return
		}
		if bytes.Equal(prev.payload, payload) {
			return
		}

		staged, ok := s.stageUpdate(key, prev, payload)
		if !ok {
			return
		}
		updates = append(updates, staged)
		out.updateValues[id] = append(out.updateValues[id], deliveredValue{key: key, payload: payload})
	})

	for key := range cs.acked {
		if key.entity != id {
			continue
		}
		if _, ok := present[key.component]; ok {
			continue
		}
		cs.actions.AddRemoval(id, key.component)
		delete(cs.acked, key)
	}

	if len(inserts) > 0 {
		cs.actions.AddUpdate(appendEntityRecord(&cs.arena, id, inserts))
	}
	if len(updates) > 0 {
		rec := appendEntityRecord(&cs.arena, id, updates)
		cs.updates.Add(id, s.groups[id], rec)
	}
}

// stageUpdate turns a changed component into an update record, routing it
// through the delta codec when the component registered for compression.
func (s *Sender) stageUpdate(key entityComponent, prev ackedValue, payload []byte) (stagedComponent, bool) {
	opts := s.components.Options(key.component)
	if !opts.Delta {
		return stagedComponent{id: key.component, kind: DeltaFull, payload: payload}, true
	}

	// Missing codec for a component that asked for delta compression is a
	// configuration error, not a runtime condition.
	codec := s.deltas.MustLookup(key.component)

	next, err := s.mapper.Deserialize(payload)
	if err != nil {
		s.logComponentError(key, err)
		return stagedComponent{}, false
	}
	base, err := s.mapper.Deserialize(prev.payload)
	if err != nil {
		s.logComponentError(key, err)
		return stagedComponent{}, false
	}

	diffPayload, err := s.mapper.Serialize(codec.Diff(base, next))
	if err != nil {
		s.logComponentError(key, err)
		return stagedComponent{}, false
	}

	return stagedComponent{
		id:       key.component,
		kind:     DeltaNormal,
		baseTick: prev.tick,
		payload:  diffPayload,
	}, true
}

// eachReplicated serializes every replicated component on the entry and
// calls fn with its wire id and payload. A component that fails to
// serialize is skipped with an error logged; it never aborts the batch.
func (s *Sender) eachReplicated(entry *donburi.Entry, fn func(compId uint, payload []byte)) {
	validList := s.replicated[entry.Entity()]

	for _, value := range donburi.GetComponents(entry) {
		t := reflect.TypeOf(value)

		// Skip any tags or non-identifiable types.
		if t == reflect.TypeOf(struct{}{}) {
			continue
		}

		contains := slices.ContainsFunc(validList, func(componentType component.IComponentType) bool {
			return componentType.Typ() == t
		})
		if !contains {
			continue
		}

		compId := s.components.LookupId(t)
		if compId == 0 {
			continue
		}

		payload, err := s.mapper.Serialize(value)
		if err != nil {
			s.log.WithError(err).WithField("type", t.String()).
				Error("failed to serialize component, skipping")
			continue
		}

		fn(compId, bytes.Clone(payload))
	}
}

func (s *Sender) logComponentError(key entityComponent, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"entity":    key.entity,
		"component": key.component,
	}).Error("failed to stage component update, skipping")
}

// forget drops everything the receiver holds for an entity after a despawn
// was staged for it.
func (s *Sender) forget(cs *clientState, id NetworkId) {
	delete(cs.known, id)
	delete(cs.unackedSpawns, id)
	for key := range cs.acked {
		if key.entity == id {
			delete(cs.acked, key)
		}
	}
}
