package replication

import (
	"sort"

	"github.com/leap-fish/rebound/tick"
)

// DefaultByteBudget bounds the payload size of one updates message. An
// entity's mutations never split across messages, so a single oversized
// entity still ships alone in a message exceeding the budget.
const DefaultByteBudget = 1200

const updatesHeaderSize = 4

// PackedEntity is one entity's contribution to a packed updates message.
type PackedEntity struct {
	Id  NetworkId
	Rec Range
}

type updateEntity struct {
	id    NetworkId
	group GroupKey
	rec   Range
}

// Updates stages per-entity component mutations for one receiver. Entities
// sharing a replication group are packed into the same message whenever
// they fit; ungrouped entities pack greedily.
type Updates struct {
	related    map[GroupKey][]updateEntity
	standalone []updateEntity
}

// Add stages one entity record. A zero group key marks the entity
// standalone.
func (u *Updates) Add(id NetworkId, group GroupKey, rec Range) {
	ent := updateEntity{id: id, group: group, rec: rec}
	if group == 0 {
		u.standalone = append(u.standalone, ent)
		return
	}

	if u.related == nil {
		u.related = make(map[GroupKey][]updateEntity)
	}
	u.related[group] = append(u.related[group], ent)
}

// Empty reports whether the pass staged no updates.
func (u *Updates) Empty() bool {
	return len(u.related) == 0 && len(u.standalone) == 0
}

// Reset clears the staging for the next pass, keeping capacity.
func (u *Updates) Reset() {
	clear(u.related)
	u.standalone = u.standalone[:0]
}

// PackedMessage lists the entities of one updates message and the groups
// they belong to, for ack bookkeeping.
type PackedMessage struct {
	Entities []PackedEntity
	Groups   []GroupKey
}

// Pack splits the staged entities into messages whose payloads stay under
// budget. Grouped entities are placed first so a whole group lands in one
// message when it fits; packing prefers appending to the current message
// and starts a new one only when the current message cannot take the next
// entity or group. An entity larger than the budget ships alone.
func (u *Updates) Pack(budget int) []PackedMessage {
	var msgs []PackedMessage
	var cur PackedMessage
	size := updatesHeaderSize
	groups := map[GroupKey]struct{}{}

	flush := func() {
		if len(cur.Entities) == 0 {
			return
		}
		for g := range groups {
			cur.Groups = append(cur.Groups, g)
		}
		sort.Slice(cur.Groups, func(i, j int) bool { return cur.Groups[i] < cur.Groups[j] })
		msgs = append(msgs, cur)
		cur = PackedMessage{}
		size = updatesHeaderSize
		clear(groups)
	}

	place := func(ents []updateEntity) {
		total := 0
		for _, e := range ents {
			total += e.rec.Len()
		}

		// The whole batch fits in either the current or a fresh message.
		if size+total > budget && len(cur.Entities) > 0 && updatesHeaderSize+total <= budget {
			flush()
		}
		for _, e := range ents {
			if size+e.rec.Len() > budget && len(cur.Entities) > 0 {
				flush()
			}
			cur.Entities = append(cur.Entities, PackedEntity{Id: e.id, Rec: e.rec})
			size += e.rec.Len()
			if e.group != 0 {
				groups[e.group] = struct{}{}
			}
		}
	}

	keys := make([]GroupKey, 0, len(u.related))
	for g := range u.related {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, g := range keys {
		place(u.related[g])
	}
	for _, e := range u.standalone {
		place([]updateEntity{e})
	}
	flush()

	return msgs
}

// EncodeUpdates frames one packed updates message:
//
//	u16 remote tick | u16 last action tick | entity records
//
// lastAction equal to remote is the reserved encoding for "no action-tick
// constraint".
func EncodeUpdates(remote, lastAction tick.Tick, entities []PackedEntity, arena *SerializedData) []byte {
	size := updatesHeaderSize
	for _, e := range entities {
		size += e.Rec.Len()
	}

	out := make([]byte, 0, size)
	out = append(out, byte(remote), byte(remote>>8))
	out = append(out, byte(lastAction), byte(lastAction>>8))
	for _, e := range entities {
		out = append(out, arena.Bytes(e.Rec)...)
	}

	return out
}

// UpdatesMessage is the decoded form of an updates payload.
type UpdatesMessage struct {
	RemoteTick     tick.Tick
	LastActionTick tick.Tick
	Entities       []EntityRecord
}

// HasActionConstraint reports whether the message must not be applied
// before the actions message sent at LastActionTick.
func (m UpdatesMessage) HasActionConstraint() bool {
	return m.LastActionTick != m.RemoteTick
}

// DecodeUpdates parses an updates payload.
func DecodeUpdates(payload []byte) (UpdatesMessage, error) {
	var msg UpdatesMessage

	r := &reader{buf: payload}
	remote, err := r.u16()
	if err != nil {
		return msg, err
	}
	lastAction, err := r.u16()
	if err != nil {
		return msg, err
	}
	msg.RemoteTick = tick.Tick(remote)
	msg.LastActionTick = tick.Tick(lastAction)

	msg.Entities, err = parseEntityRecords(r.rest())
	if err != nil {
		return msg, err
	}

	return msg, nil
}
