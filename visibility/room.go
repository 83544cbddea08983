package visibility

import "github.com/yohamta/donburi"

// RoomID names a room.
type RoomID string

// Rooms implements room-based interest management: an entity is relevant to
// a client iff they share at least one room. Membership changes are applied
// immediately, but relevance events are only emitted by Update, which
// recomputes the shared-room count for every touched pair. A client and an
// entity moving between rooms in the same update therefore stay Maintained.
type Rooms struct {
	manager *Manager

	clientRooms map[ClientID]map[RoomID]struct{}
	entityRooms map[donburi.Entity]map[RoomID]struct{}

	roomClients  map[RoomID]map[ClientID]struct{}
	roomEntities map[RoomID]map[donburi.Entity]struct{}

	dirty map[pair]struct{}
}

func NewRooms(manager *Manager) *Rooms {
	return &Rooms{
		manager:      manager,
		clientRooms:  make(map[ClientID]map[RoomID]struct{}),
		entityRooms:  make(map[donburi.Entity]map[RoomID]struct{}),
		roomClients:  make(map[RoomID]map[ClientID]struct{}),
		roomEntities: make(map[RoomID]map[donburi.Entity]struct{}),
		dirty:        make(map[pair]struct{}),
	}
}

// AddClient joins client to room.
func (r *Rooms) AddClient(room RoomID, client ClientID) {
	rooms, ok := r.clientRooms[client]
	if !ok {
		rooms = make(map[RoomID]struct{})
		r.clientRooms[client] = rooms
	}
	if _, in := rooms[room]; in {
		return
	}
	rooms[room] = struct{}{}

	clients, ok := r.roomClients[room]
	if !ok {
		clients = make(map[ClientID]struct{})
		r.roomClients[room] = clients
	}
	clients[client] = struct{}{}

	r.markClientDirty(client, room)
}

// RemoveClient removes client from room.
func (r *Rooms) RemoveClient(room RoomID, client ClientID) {
	if _, in := r.clientRooms[client][room]; !in {
		return
	}

	// Pairs sharing this room must be rechecked after the removal.
	r.markClientDirty(client, room)

	delete(r.clientRooms[client], room)
	delete(r.roomClients[room], client)
}

// AddEntity joins entity to room.
func (r *Rooms) AddEntity(room RoomID, entity donburi.Entity) {
	rooms, ok := r.entityRooms[entity]
	if !ok {
		rooms = make(map[RoomID]struct{})
		r.entityRooms[entity] = rooms
	}
	if _, in := rooms[room]; in {
		return
	}
	rooms[room] = struct{}{}

	entities, ok := r.roomEntities[room]
	if !ok {
		entities = make(map[donburi.Entity]struct{})
		r.roomEntities[room] = entities
	}
	entities[entity] = struct{}{}

	r.markEntityDirty(entity, room)
}

// RemoveEntity removes entity from room.
func (r *Rooms) RemoveEntity(room RoomID, entity donburi.Entity) {
	if _, in := r.entityRooms[entity][room]; !in {
		return
	}

	r.markEntityDirty(entity, room)

	delete(r.entityRooms[entity], room)
	delete(r.roomEntities[room], entity)
}

func (r *Rooms) markClientDirty(client ClientID, room RoomID) {
	for entity := range r.roomEntities[room] {
		r.dirty[pair{client: client, entity: entity}] = struct{}{}
	}
}

func (r *Rooms) markEntityDirty(entity donburi.Entity, room RoomID) {
	for client := range r.roomClients[room] {
		r.dirty[pair{client: client, entity: entity}] = struct{}{}
	}
}

// SharedRooms returns how many rooms client and entity currently share.
func (r *Rooms) SharedRooms(client ClientID, entity donburi.Entity) int {
	count := 0
	for room := range r.entityRooms[entity] {
		if _, in := r.clientRooms[client][room]; in {
			count++
		}
	}
	return count
}

// Update recomputes relevance for every pair touched since the last call
// and emits gain/lose events into the manager. Pairs that still share a
// room produce no event at all, which is what keeps a concurrent room move
// at Maintained.
func (r *Rooms) Update() {
	for p := range r.dirty {
		shared := r.SharedRooms(p.client, p.entity) > 0
		relevant := r.manager.Relevant(p.entity, p.client)

		switch {
		case shared && !relevant:
			r.manager.GainRelevance(p.client, p.entity)
		case !shared && relevant:
			r.manager.LoseRelevance(p.client, p.entity)
		}
	}
	clear(r.dirty)
}

// DropClient removes client from every room, emitting the matching lose
// events on the next Update.
func (r *Rooms) DropClient(client ClientID) {
	for room := range r.clientRooms[client] {
		r.RemoveClient(room, client)
	}
}

// DropEntity removes entity from every room.
func (r *Rooms) DropEntity(entity donburi.Entity) {
	for room := range r.entityRooms[entity] {
		r.RemoveEntity(room, entity)
	}
}
