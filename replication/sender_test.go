package replication_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi"

	"github.com/leap-fish/rebound/delta"
	"github.com/leap-fish/rebound/packet"
	"github.com/leap-fish/rebound/replication"
	"github.com/leap-fish/rebound/tick"
	"github.com/leap-fish/rebound/typemapper"
)

type Transform struct {
	X float64
	Y float64
}

type Label struct {
	Text string
}

type Energy struct {
	Value int
}

type EnergyDelta struct {
	D int
}

var (
	transformComponent = donburi.NewComponentType[Transform]()
	labelComponent     = donburi.NewComponentType[Label]()
	energyComponent    = donburi.NewComponentType[Energy]()
)

type capture struct {
	client  replication.ClientID
	ptype   packet.Type
	payload []byte
	id      packet.ID
}

type fakeTransport struct {
	mu   sync.Mutex
	next packet.ID
	sent []capture
}

func (f *fakeTransport) Send(client replication.ClientID, ptype packet.Type, payload []byte) (packet.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	f.sent = append(f.sent, capture{
		client:  client,
		ptype:   ptype,
		payload: bytes.Clone(payload),
		id:      f.next,
	})
	return f.next, nil
}

type env struct {
	server   donburi.World
	client   donburi.World
	sender   *replication.Sender
	recv     *replication.Receiver
	tr       *fakeTransport
	clientId replication.ClientID
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mapper := typemapper.NewMapper(map[uint]any{})
	require.NoError(t, mapper.Register(1, Transform{}))
	require.NoError(t, mapper.Register(2, Label{}))
	require.NoError(t, mapper.Register(3, Energy{}))
	require.NoError(t, mapper.Register(4, EnergyDelta{}))

	comps := typemapper.NewComponentMapper()
	require.NoError(t, comps.RegisterComponent(1, transformComponent, typemapper.ComponentOptions{}))
	require.NoError(t, comps.RegisterComponent(2, labelComponent, typemapper.ComponentOptions{}))
	require.NoError(t, comps.RegisterComponent(3, energyComponent, typemapper.ComponentOptions{Delta: true}))

	deltas := delta.NewRegistry()
	delta.Register(deltas, 3, delta.Fns[Energy, EnergyDelta]{
		Diff:  func(base, next Energy) EnergyDelta { return EnergyDelta{D: next.Value - base.Value} },
		Apply: func(base Energy, d EnergyDelta) Energy { return Energy{Value: base.Value + d.D} },
	})

	server := donburi.NewWorld()
	client := donburi.NewWorld()
	tr := &fakeTransport{}

	sender := replication.NewSender(server, tr, replication.Options{
		Mapper:     mapper,
		Components: comps,
		Deltas:     deltas,
	})
	recv := replication.NewReceiver(client, replication.ReceiverOptions{
		Mapper:     mapper,
		Components: comps,
		Deltas:     deltas,
	})

	clientId := uuid.New()
	sender.AddClient(clientId)

	return &env{
		server:   server,
		client:   client,
		sender:   sender,
		recv:     recv,
		tr:       tr,
		clientId: clientId,
	}
}

// pass runs one send pass and returns the packets it produced.
func (e *env) pass(t *testing.T, tk tick.Tick) []capture {
	t.Helper()

	before := len(e.tr.sent)
	require.NoError(t, e.sender.SendAll(context.Background(), tk))
	return e.tr.sent[before:]
}

// deliver applies the packets to the receiver and optionally acks them.
func (e *env) deliver(t *testing.T, tk tick.Tick, msgs []capture, ack bool) {
	t.Helper()

	for _, m := range msgs {
		switch m.ptype {
		case packet.TypeActions:
			require.NoError(t, e.recv.ApplyActions(tk, m.payload))
		case packet.TypeUpdates:
			require.NoError(t, e.recv.ApplyUpdates(m.payload))
		}
		if ack {
			e.sender.Ack(m.client, m.id)
		}
	}
}

func TestSender_SpawnAndUpdate(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent, labelComponent)
	entry := e.server.Entry(entity)
	transformComponent.SetValue(entry, Transform{X: 1, Y: 2})
	labelComponent.SetValue(entry, Label{Text: "crate"})

	nid, err := e.sender.Replicate(entity, transformComponent, labelComponent)
	require.NoError(t, err)

	e.sender.Visibility().GainRelevance(e.clientId, entity)

	msgs := e.pass(t, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, packet.TypeActions, msgs[0].ptype)
	e.deliver(t, 1, msgs, true)

	local, ok := e.recv.Entity(nid)
	require.True(t, ok)
	localEntry := e.client.Entry(local)
	assert.Equal(t, Transform{X: 1, Y: 2}, *transformComponent.Get(localEntry))
	assert.Equal(t, Label{Text: "crate"}, *labelComponent.Get(localEntry))

	// Only the changed component ships on the next pass.
	transformComponent.SetValue(entry, Transform{X: 5, Y: 2})
	msgs = e.pass(t, 2)
	require.Len(t, msgs, 1)
	assert.Equal(t, packet.TypeUpdates, msgs[0].ptype)

	decoded, err := replication.DecodeUpdates(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, decoded.Entities, 1)
	require.Len(t, decoded.Entities[0].Components, 1)
	assert.Equal(t, uint(1), decoded.Entities[0].Components[0].Component)

	e.deliver(t, 2, msgs, true)
	assert.Equal(t, Transform{X: 5, Y: 2}, *transformComponent.Get(e.client.Entry(local)))

	// Nothing changed: the pass stays silent.
	assert.Empty(t, e.pass(t, 3))
}

func TestSender_DeltaCompression(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(energyComponent)
	entry := e.server.Entry(entity)
	energyComponent.SetValue(entry, Energy{Value: 100})

	nid, err := e.sender.Replicate(entity, energyComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)

	// First send diffs from the codec's zero base.
	msgs := e.pass(t, 1)
	require.Len(t, msgs, 1)
	actions, err := replication.DecodeActions(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, actions.Spawns, 1)
	require.Len(t, actions.Spawns[0].Components, 1)
	assert.Equal(t, replication.DeltaFromBase, actions.Spawns[0].Components[0].Kind)

	e.deliver(t, 1, msgs, true)
	local, _ := e.recv.Entity(nid)
	assert.Equal(t, Energy{Value: 100}, *energyComponent.Get(e.client.Entry(local)))

	// Subsequent sends diff against the acked value at tick 1.
	energyComponent.SetValue(entry, Energy{Value: 130})
	msgs = e.pass(t, 2)
	require.Len(t, msgs, 1)
	updates, err := replication.DecodeUpdates(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, updates.Entities, 1)
	comp := updates.Entities[0].Components[0]
	assert.Equal(t, replication.DeltaNormal, comp.Kind)
	assert.Equal(t, tick.Tick(1), comp.BaseTick)

	e.deliver(t, 2, msgs, true)
	assert.Equal(t, Energy{Value: 130}, *energyComponent.Get(e.client.Entry(local)))
}

func TestSender_RemovalAndInsert(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent, labelComponent)
	entry := e.server.Entry(entity)
	transformComponent.SetValue(entry, Transform{X: 1})
	labelComponent.SetValue(entry, Label{Text: "tag"})

	nid, err := e.sender.Replicate(entity, transformComponent, labelComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)

	e.deliver(t, 1, e.pass(t, 1), true)
	local, _ := e.recv.Entity(nid)

	// Server drops the label: the client follows through a removal action.
	entry.RemoveComponent(labelComponent)
	msgs := e.pass(t, 2)
	require.Len(t, msgs, 1)
	actions, err := replication.DecodeActions(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, actions.Removals, 1)
	assert.Equal(t, []uint{2}, actions.Removals[0].Components)

	e.deliver(t, 2, msgs, true)
	assert.False(t, e.client.Entry(local).HasComponent(labelComponent))

	// Server re-adds it: shipped as an insert on the reliable channel.
	entry.AddComponent(labelComponent)
	labelComponent.SetValue(entry, Label{Text: "back"})
	msgs = e.pass(t, 3)
	require.Len(t, msgs, 1)
	actions, err = replication.DecodeActions(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, actions.Updates, 1)

	e.deliver(t, 3, msgs, true)
	assert.Equal(t, Label{Text: "back"}, *labelComponent.Get(e.client.Entry(local)))
}

// Losing visibility and then despawning server-side must produce exactly
// one despawn for the client.
func TestSender_RedundantDespawnCollapses(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent)
	nid, err := e.sender.Replicate(entity, transformComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)

	e.deliver(t, 1, e.pass(t, 1), true)
	_, ok := e.recv.Entity(nid)
	require.True(t, ok)

	e.sender.Visibility().LoseRelevance(e.clientId, entity)
	msgs := e.pass(t, 2)
	require.Len(t, msgs, 1)
	e.deliver(t, 2, msgs, true)
	_, ok = e.recv.Entity(nid)
	assert.False(t, ok)

	// Authoritative despawn after the visibility loss: nothing further is
	// sent to this client.
	e.sender.Despawn(entity)
	e.server.Entry(entity).Remove()
	assert.Empty(t, e.pass(t, 3))

	despawns := 0
	for _, m := range e.tr.sent {
		if m.ptype != packet.TypeActions {
			continue
		}
		actions, err := replication.DecodeActions(m.payload)
		require.NoError(t, err)
		for _, id := range actions.Despawns {
			if id == nid {
				despawns++
			}
		}
	}
	assert.Equal(t, 1, despawns)
}

func TestReceiver_IgnoresRedundantDespawn(t *testing.T) {
	e := newEnv(t)

	arena := &replication.SerializedData{}
	actions := &replication.Actions{}
	actions.AddDespawn(42)

	require.NoError(t, e.recv.ApplyActions(1, actions.Encode(arena)))
}

func TestSender_NackCausesReDiff(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent)
	entry := e.server.Entry(entity)
	transformComponent.SetValue(entry, Transform{X: 1})

	_, err := e.sender.Replicate(entity, transformComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)
	e.deliver(t, 1, e.pass(t, 1), true)

	// The update is lost: the baseline stays put, so the next pass
	// restages the same change instead of retransmitting the packet.
	transformComponent.SetValue(entry, Transform{X: 9})
	msgs := e.pass(t, 2)
	require.Len(t, msgs, 1)
	e.sender.Nack(e.clientId, msgs[0].id)

	msgs = e.pass(t, 3)
	require.Len(t, msgs, 1)
	assert.Equal(t, packet.TypeUpdates, msgs[0].ptype)

	decoded, err := replication.DecodeUpdates(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, decoded.Entities, 1)
	assert.Equal(t, uint(1), decoded.Entities[0].Components[0].Component)
}

func TestReceiver_GatesUpdatesOnActionTick(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent)
	entry := e.server.Entry(entity)
	transformComponent.SetValue(entry, Transform{X: 1})

	nid, err := e.sender.Replicate(entity, transformComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)
	e.deliver(t, 1, e.pass(t, 1), true)
	local, _ := e.recv.Entity(nid)

	transformComponent.SetValue(entry, Transform{X: 9})
	msgs := e.pass(t, 2)
	require.Len(t, msgs, 1)
	require.Equal(t, packet.TypeUpdates, msgs[0].ptype)

	// Tamper the constraint to a tick the receiver has not reached; the
	// message is dropped without error.
	tampered := bytes.Clone(msgs[0].payload)
	tampered[2] = 5
	tampered[3] = 0
	require.NoError(t, e.recv.ApplyUpdates(tampered))
	assert.Equal(t, Transform{X: 1}, *transformComponent.Get(e.client.Entry(local)))

	// The untouched message applies.
	require.NoError(t, e.recv.ApplyUpdates(msgs[0].payload))
	assert.Equal(t, Transform{X: 9}, *transformComponent.Get(e.client.Entry(local)))
}

// A lost spawn actions packet must not leave the client permanently
// without the entity: the full spawn is restaged until an ack lands.
func TestSender_ResendsLostSpawn(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent)
	transformComponent.SetValue(e.server.Entry(entity), Transform{X: 4})
	nid, err := e.sender.Replicate(entity, transformComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)

	// The spawn packet is lost.
	msgs := e.pass(t, 1)
	require.Len(t, msgs, 1)
	e.sender.Nack(e.clientId, msgs[0].id)

	msgs = e.pass(t, 2)
	require.Len(t, msgs, 1)
	require.Equal(t, packet.TypeActions, msgs[0].ptype)
	actions, err := replication.DecodeActions(msgs[0].payload)
	require.NoError(t, err)
	require.Len(t, actions.Spawns, 1)

	e.deliver(t, 2, msgs, true)
	local, ok := e.recv.Entity(nid)
	require.True(t, ok)
	assert.Equal(t, Transform{X: 4}, *transformComponent.Get(e.client.Entry(local)))

	// Once acked, the spawn stops shipping.
	assert.Empty(t, e.pass(t, 3))
}

func TestSender_ResendsLostDespawn(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent)
	nid, err := e.sender.Replicate(entity, transformComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)
	e.deliver(t, 1, e.pass(t, 1), true)

	e.sender.Visibility().LoseRelevance(e.clientId, entity)
	msgs := e.pass(t, 2)
	require.Len(t, msgs, 1)
	e.sender.Nack(e.clientId, msgs[0].id)

	msgs = e.pass(t, 3)
	require.Len(t, msgs, 1)
	actions, err := replication.DecodeActions(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, []replication.NetworkId{nid}, actions.Despawns)

	e.deliver(t, 3, msgs, true)
	_, ok := e.recv.Entity(nid)
	assert.False(t, ok)

	assert.Empty(t, e.pass(t, 4))
}

// Many clients collected in parallel share one pre-walked view of the
// world; every client still sees every relevant entity.
func TestSender_ParallelPassManyClients(t *testing.T) {
	e := newEnv(t)

	clients := []replication.ClientID{e.clientId}
	for i := 0; i < 7; i++ {
		id := uuid.New()
		e.sender.AddClient(id)
		clients = append(clients, id)
	}

	for i := 0; i < 50; i++ {
		entity := e.server.Create(transformComponent)
		transformComponent.SetValue(e.server.Entry(entity), Transform{X: float64(i)})
		_, err := e.sender.Replicate(entity, transformComponent)
		require.NoError(t, err)
		for _, c := range clients {
			e.sender.Visibility().GainRelevance(c, entity)
		}
	}

	require.NoError(t, e.sender.SendAll(context.Background(), 1))

	spawns := make(map[replication.ClientID]int)
	for _, m := range e.tr.sent {
		require.Equal(t, packet.TypeActions, m.ptype)
		actions, err := replication.DecodeActions(m.payload)
		require.NoError(t, err)
		spawns[m.client] += len(actions.Spawns)
	}
	for _, c := range clients {
		assert.Equal(t, 50, spawns[c])
	}
}

func TestSender_DisconnectResetsReceiverState(t *testing.T) {
	e := newEnv(t)

	entity := e.server.Create(transformComponent)
	_, err := e.sender.Replicate(entity, transformComponent)
	require.NoError(t, err)
	e.sender.Visibility().GainRelevance(e.clientId, entity)
	e.deliver(t, 1, e.pass(t, 1), true)

	e.sender.RemoveClient(e.clientId)
	assert.Empty(t, e.pass(t, 2))

	// A rejoining client is sent full spawns again.
	e.sender.AddClient(e.clientId)
	e.sender.Visibility().GainRelevance(e.clientId, entity)
	msgs := e.pass(t, 3)
	require.Len(t, msgs, 1)
	actions, err := replication.DecodeActions(msgs[0].payload)
	require.NoError(t, err)
	assert.Len(t, actions.Spawns, 1)
}
