package replication

import (
	"encoding/binary"
	"sort"
)

// ActionFlags bits mark which sections an actions message carries. The
// highest set bit is the last section in the message and is written without
// a length prefix; all bytes remaining after the preceding sections belong
// to it.
const (
	FlagSpawns byte = 1 << iota
	FlagDespawns
	FlagRemovals
	FlagUpdates
)

// Actions stages the sequenced lifecycle changes for one receiver during a
// send pass: entity spawns, despawns, component removals and component
// inserts on existing entities. Actions ride the sequenced-reliable channel
// and must be observed in order, before any update touching the same
// entity.
type Actions struct {
	spawns   []Range
	despawns []NetworkId
	removals map[NetworkId][]uint
	updates  []Range
}

func (a *Actions) AddSpawn(rec Range) {
	a.spawns = append(a.spawns, rec)
}

func (a *Actions) AddDespawn(id NetworkId) {
	a.despawns = append(a.despawns, id)
}

func (a *Actions) AddRemoval(id NetworkId, component uint) {
	if a.removals == nil {
		a.removals = make(map[NetworkId][]uint)
	}
	a.removals[id] = append(a.removals[id], component)
}

func (a *Actions) AddUpdate(rec Range) {
	a.updates = append(a.updates, rec)
}

// Empty reports whether the pass staged no actions at all.
func (a *Actions) Empty() bool {
	return len(a.spawns) == 0 && len(a.despawns) == 0 &&
		len(a.removals) == 0 && len(a.updates) == 0
}

// Reset clears the staging for the next pass, keeping capacity.
func (a *Actions) Reset() {
	a.spawns = a.spawns[:0]
	a.despawns = a.despawns[:0]
	clear(a.removals)
	a.updates = a.updates[:0]
}

func (a *Actions) flags() byte {
	var flags byte
	if len(a.spawns) > 0 {
		flags |= FlagSpawns
	}
	if len(a.despawns) > 0 {
		flags |= FlagDespawns
	}
	if len(a.removals) > 0 {
		flags |= FlagRemovals
	}
	if len(a.updates) > 0 {
		flags |= FlagUpdates
	}
	return flags
}

// Encode serializes the staged actions into one message payload. Every
// present section except the last is preceded by a u32 length; the last
// section consumes the remainder of the message.
func (a *Actions) Encode(arena *SerializedData) []byte {
	flags := a.flags()

	var last byte
	for f := FlagUpdates; f != 0; f >>= 1 {
		if flags&f != 0 {
			last = f
			break
		}
	}

	out := []byte{flags}
	section := func(flag byte, body []byte) {
		if flag != last {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
		}
		out = append(out, body...)
	}

	if flags&FlagSpawns != 0 {
		section(FlagSpawns, concatRanges(arena, a.spawns))
	}
	if flags&FlagDespawns != 0 {
		body := make([]byte, 0, len(a.despawns)*4)
		for _, id := range a.despawns {
			body = binary.LittleEndian.AppendUint32(body, uint32(id))
		}
		section(FlagDespawns, body)
	}
	if flags&FlagRemovals != 0 {
		ids := make([]NetworkId, 0, len(a.removals))
		for id := range a.removals {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		var body []byte
		for _, id := range ids {
			body = binary.LittleEndian.AppendUint32(body, uint32(id))
			comps := a.removals[id]
			body = append(body, byte(len(comps)))
			for _, comp := range comps {
				body = binary.LittleEndian.AppendUint32(body, uint32(comp))
			}
		}
		section(FlagRemovals, body)
	}
	if flags&FlagUpdates != 0 {
		section(FlagUpdates, concatRanges(arena, a.updates))
	}

	return out
}

func concatRanges(arena *SerializedData, ranges []Range) []byte {
	size := 0
	for _, r := range ranges {
		size += r.Len()
	}
	out := make([]byte, 0, size)
	for _, r := range ranges {
		out = append(out, arena.Bytes(r)...)
	}
	return out
}

// ActionsMessage is the decoded form of an actions payload.
type ActionsMessage struct {
	Spawns   []EntityRecord
	Despawns []NetworkId
	Removals []RemovalRecord
	Updates  []EntityRecord
}

// DecodeActions parses an actions payload back into its sections.
func DecodeActions(payload []byte) (ActionsMessage, error) {
	var msg ActionsMessage

	r := &reader{buf: payload}
	flags, err := r.u8()
	if err != nil {
		return msg, err
	}

	var last byte
	for f := FlagUpdates; f != 0; f >>= 1 {
		if flags&f != 0 {
			last = f
			break
		}
	}

	section := func(flag byte) ([]byte, error) {
		if flag == last {
			return r.rest(), nil
		}
		length, err := r.u32()
		if err != nil {
			return nil, err
		}
		return r.take(int(length))
	}

	if flags&FlagSpawns != 0 {
		body, err := section(FlagSpawns)
		if err != nil {
			return msg, err
		}
		msg.Spawns, err = parseEntityRecords(body)
		if err != nil {
			return msg, err
		}
	}
	if flags&FlagDespawns != 0 {
		body, err := section(FlagDespawns)
		if err != nil {
			return msg, err
		}
		if len(body)%4 != 0 {
			return msg, ErrTruncatedMessage
		}
		for off := 0; off < len(body); off += 4 {
			msg.Despawns = append(msg.Despawns, NetworkId(binary.LittleEndian.Uint32(body[off:])))
		}
	}
	if flags&FlagRemovals != 0 {
		body, err := section(FlagRemovals)
		if err != nil {
			return msg, err
		}
		msg.Removals, err = parseRemovals(body)
		if err != nil {
			return msg, err
		}
	}
	if flags&FlagUpdates != 0 {
		body, err := section(FlagUpdates)
		if err != nil {
			return msg, err
		}
		msg.Updates, err = parseEntityRecords(body)
		if err != nil {
			return msg, err
		}
	}

	return msg, nil
}

func parseEntityRecords(body []byte) ([]EntityRecord, error) {
	var records []EntityRecord

	r := &reader{buf: body}
	for r.remaining() > 0 {
		rec, err := parseEntityRecord(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func parseRemovals(body []byte) ([]RemovalRecord, error) {
	var records []RemovalRecord

	r := &reader{buf: body}
	for r.remaining() > 0 {
		id, err := r.u32()
		if err != nil {
			return nil, err
		}
		count, err := r.u8()
		if err != nil {
			return nil, err
		}
		rec := RemovalRecord{Id: NetworkId(id)}
		for i := 0; i < int(count); i++ {
			comp, err := r.u32()
			if err != nil {
				return nil, err
			}
			rec.Components = append(rec.Components, uint(comp))
		}
		records = append(records, rec)
	}

	return records, nil
}
