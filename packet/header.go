// Package packet implements the per-link packet header and acknowledgement
// bookkeeping that sits between the replication messages and the raw
// transport. It is not a cumulative-ack scheme: delivery is tracked with a
// sliding 32-bit ack bitfield, and losses are detected by timeout.
package packet

import (
	"encoding/binary"
	"errors"

	"github.com/leap-fish/rebound/tick"
)

// HeaderSize is the fixed encoded size of a Header in bytes.
const HeaderSize = 11

var ErrTruncatedHeader = errors.New("packet header is truncated")

// ID identifies a single packet on one link. IDs are allocated sequentially
// and wrap; id 0 is reserved to mean "nothing acked yet".
type ID uint16

// Type tags the payload multiplexed behind the header.
type Type uint8

const (
	TypeActions Type = iota + 1
	TypeUpdates
	TypeInput
	TypePing
)

// Header precedes every packet payload on the wire.
type Header struct {
	Type            Type
	PacketID        ID
	LastAckPacketID ID
	AckBitfield     uint32
	Tick            tick.Tick
}

// Encode appends the fixed 11-byte wire form of h to dst.
func (h Header) Encode(dst []byte) []byte {
	dst = append(dst, byte(h.Type))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.PacketID))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.LastAckPacketID))
	dst = binary.LittleEndian.AppendUint32(dst, h.AckBitfield)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.Tick))
	return dst
}

// DecodeHeader reads a Header from the front of data and returns the
// remaining payload bytes.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrTruncatedHeader
	}

	h := Header{
		Type:            Type(data[0]),
		PacketID:        ID(binary.LittleEndian.Uint16(data[1:3])),
		LastAckPacketID: ID(binary.LittleEndian.Uint16(data[3:5])),
		AckBitfield:     binary.LittleEndian.Uint32(data[5:9]),
		Tick:            tick.Tick(binary.LittleEndian.Uint16(data[9:11])),
	}

	return h, data[HeaderSize:], nil
}
