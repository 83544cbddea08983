// Package visibility decides which entities are relevant to which clients.
// Relevance can be driven directly (GainRelevance/LoseRelevance) or through
// room membership; both feed the same per-entity cache of
// Gained/Maintained/Lost states consumed by the replication sender.
package visibility

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yohamta/donburi"
)

// ClientID identifies a connected remote peer.
type ClientID = uuid.UUID

// State is the cached relevance of an entity for one client.
type State uint8

const (
	// StateGained means the entity became relevant this pass; the sender
	// frames it as a spawn.
	StateGained State = iota + 1
	// StateMaintained means the entity stays relevant; the sender frames
	// changes as updates.
	StateMaintained
	// StateLost means the entity stopped being relevant this pass; the
	// sender frames it as a despawn, exactly once.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateGained:
		return "gained"
	case StateMaintained:
		return "maintained"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

type pair struct {
	client ClientID
	entity donburi.Entity
}

// Manager merges relevance events into the per-entity visibility cache.
// Events are queued and folded in by Update once per tick, all losses
// strictly before all gains.
type Manager struct {
	gained map[pair]struct{}
	lost   map[pair]struct{}

	cache map[donburi.Entity]map[ClientID]State

	log *logrus.Entry
}

func NewManager() *Manager {
	return &Manager{
		gained: make(map[pair]struct{}),
		lost:   make(map[pair]struct{}),
		cache:  make(map[donburi.Entity]map[ClientID]State),
		log:    logrus.WithField("component", "visibility"),
	}
}

// GainRelevance queues a gain event for (client, entity). A pending lose
// for the same pair is cancelled, so a lose+gain in the same update never
// flickers through Lost.
func (m *Manager) GainRelevance(client ClientID, entity donburi.Entity) {
	p := pair{client: client, entity: entity}
	delete(m.lost, p)
	m.gained[p] = struct{}{}
}

// LoseRelevance queues a lose event for (client, entity), cancelling any
// pending gain for the same pair.
func (m *Manager) LoseRelevance(client ClientID, entity donburi.Entity) {
	p := pair{client: client, entity: entity}
	delete(m.gained, p)
	m.lost[p] = struct{}{}
}

// Relevant reports whether entity is currently visible to client
// (Gained or Maintained).
func (m *Manager) Relevant(entity donburi.Entity, client ClientID) bool {
	s, ok := m.cache[entity][client]
	return ok && s != StateLost
}

// State returns the cached state for (entity, client).
func (m *Manager) State(entity donburi.Entity, client ClientID) (State, bool) {
	s, ok := m.cache[entity][client]
	return s, ok
}

// Update drains the queued events into the cache. All lost events are
// applied before all gained events.
func (m *Manager) Update() {
	for p := range m.lost {
		states, ok := m.cache[p.entity]
		if !ok {
			continue
		}
		switch states[p.client] {
		case StateGained:
			// Never announced to the client; drop silently instead of
			// producing a despawn for an entity it has never seen.
			delete(states, p.client)
		case StateMaintained:
			states[p.client] = StateLost
		}
	}
	clear(m.lost)

	for p := range m.gained {
		states, ok := m.cache[p.entity]
		if !ok {
			states = make(map[ClientID]State)
			m.cache[p.entity] = states
		}
		switch states[p.client] {
		case StateLost:
			// Regained before the loss was flushed; the client still has
			// the entity, so this is a plain maintain.
			states[p.client] = StateMaintained
		case StateGained, StateMaintained:
			// Already relevant.
		default:
			states[p.client] = StateGained
		}
	}
	clear(m.gained)
}

// Each calls fn for every client with a cached state for entity.
func (m *Manager) Each(entity donburi.Entity, fn func(client ClientID, state State)) {
	for client, state := range m.cache[entity] {
		fn(client, state)
	}
}

// AfterSend advances the transient states once the sender has consumed
// them: Gained becomes Maintained and Lost entries are dropped, which is
// what guarantees a single despawn per loss.
func (m *Manager) AfterSend() {
	for entity, states := range m.cache {
		for client, state := range states {
			switch state {
			case StateGained:
				states[client] = StateMaintained
			case StateLost:
				delete(states, client)
			}
		}
		if len(states) == 0 {
			delete(m.cache, entity)
		}
	}
}

// RemoveEntity drops every cached state and pending event for entity, used
// when the entity is despawned server-side.
func (m *Manager) RemoveEntity(entity donburi.Entity) {
	delete(m.cache, entity)
	for p := range m.gained {
		if p.entity == entity {
			delete(m.gained, p)
		}
	}
	for p := range m.lost {
		if p.entity == entity {
			delete(m.lost, p)
		}
	}
}

// RemoveClient drops every cached state and pending event for client, used
// on disconnect.
func (m *Manager) RemoveClient(client ClientID) {
	for entity, states := range m.cache {
		delete(states, client)
		if len(states) == 0 {
			delete(m.cache, entity)
		}
	}
	for p := range m.gained {
		if p.client == client {
			delete(m.gained, p)
		}
	}
	for p := range m.lost {
		if p.client == client {
			delete(m.lost, p)
		}
	}
}
