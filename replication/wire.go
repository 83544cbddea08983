package replication

import (
	"encoding/binary"
	"errors"

	"github.com/leap-fish/rebound/tick"
)

// ErrTruncatedMessage is returned when a replication payload ends before a
// complete record could be decoded. The message is dropped; replication
// recovers through the regular ack machinery.
var ErrTruncatedMessage = errors.New("replication: truncated message")

// DeltaKind says how a component payload relates to its base value.
type DeltaKind byte

const (
	// DeltaFull carries the complete serialized component value.
	DeltaFull DeltaKind = iota
	// DeltaFromBase carries a diff against the codec's zero base, used for
	// the first delta-compressed send to a receiver.
	DeltaFromBase
	// DeltaNormal carries a diff against the value the receiver
	// acknowledged at BaseTick.
	DeltaNormal
)

// ComponentRecord is one component's contribution to an entity record.
type ComponentRecord struct {
	Component uint
	Kind      DeltaKind
	BaseTick  tick.Tick
	Payload   []byte
}

// EntityRecord is the wire form of one entity's component set within an
// actions or updates message.
type EntityRecord struct {
	Id         NetworkId
	Components []ComponentRecord
}

// RemovalRecord lists components removed from one entity.
type RemovalRecord struct {
	Id         NetworkId
	Components []uint
}

type stagedComponent struct {
	id       uint
	kind     DeltaKind
	baseTick tick.Tick
	payload  []byte
}

// appendEntityRecord writes one entity record into the arena and returns
// its range. Layout, little endian:
//
//	u32 network id | u8 component count | components
//
// with each component as
//
//	u32 component id | u8 kind | [u16 base tick when kind is Normal] |
//	u32 payload length | payload
func appendEntityRecord(arena *SerializedData, id NetworkId, comps []stagedComponent) Range {
	mark := arena.Mark()
	arena.AppendUint32(uint32(id))
	arena.AppendByte(byte(len(comps)))
	for _, c := range comps {
		arena.AppendUint32(uint32(c.id))
		arena.AppendByte(byte(c.kind))
		if c.kind == DeltaNormal {
			arena.AppendUint16(uint16(c.baseTick))
		}
		arena.AppendUint32(uint32(len(c.payload)))
		arena.AppendBytes(c.payload)
	}

	return arena.Since(mark)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncatedMessage
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTruncatedMessage
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncatedMessage
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncatedMessage
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

func parseEntityRecord(r *reader) (EntityRecord, error) {
	var rec EntityRecord

	id, err := r.u32()
	if err != nil {
		return rec, err
	}
	rec.Id = NetworkId(id)

	count, err := r.u8()
	if err != nil {
		return rec, err
	}

	rec.Components = make([]ComponentRecord, 0, count)
	for i := 0; i < int(count); i++ {
		var comp ComponentRecord

		compId, err := r.u32()
		if err != nil {
			return rec, err
		}
		comp.Component = uint(compId)

		kind, err := r.u8()
		if err != nil {
			return rec, err
		}
		comp.Kind = DeltaKind(kind)

		if comp.Kind == DeltaNormal {
			base, err := r.u16()
			if err != nil {
				return rec, err
			}
			comp.BaseTick = tick.Tick(base)
		}

		length, err := r.u32()
		if err != nil {
			return rec, err
		}
		comp.Payload, err = r.take(int(length))
		if err != nil {
			return rec, err
		}

		rec.Components = append(rec.Components, comp)
	}

	return rec, nil
}
