package packet

// ackWindow is the number of packets preceding the latest one whose receipt
// the bitfield can represent.
const ackWindow = 32

// ReceiveBuffer tracks which of the last 33 packets on a link have been
// seen: the most recent id plus a 32-bit window of the ids preceding it.
// Bit i of the bitfield corresponds to packet lastRecv-1-i.
type ReceiveBuffer struct {
	lastRecv ID
	hasRecv  bool
	bitfield uint32
}

// Receive records packet id as seen and reports whether it was new.
// Ids more than ackWindow behind the latest cannot be represented and are
// ignored. An id more than ackWindow ahead resets the whole window, so stale
// bits are never misread as acks.
func (r *ReceiveBuffer) Receive(id ID) bool {
	if !r.hasRecv {
		r.lastRecv = id
		r.hasRecv = true
		r.bitfield = 0
		return true
	}

	diff := int16(id - r.lastRecv)
	switch {
	case diff == 0:
		return false

	case diff > ackWindow:
		// The gap is too large to shift across; drop all knowledge of the
		// old window.
		r.lastRecv = id
		r.bitfield = 0
		return true

	case diff > 0:
		// Shifting by 32 is well-defined for uint32 in Go and clears the
		// field, which is exactly what a full-window jump means.
		r.bitfield = r.bitfield<<uint(diff) | 1<<uint(diff-1)
		r.lastRecv = id
		return true

	case diff >= -ackWindow:
		offset := uint(-diff - 1)
		seen := r.bitfield&(1<<offset) != 0
		r.bitfield |= 1 << offset
		return !seen

	default:
		// Too old to represent.
		return false
	}
}

// LastReceived returns the most recent packet id, or 0 if nothing has been
// received yet.
func (r *ReceiveBuffer) LastReceived() ID {
	if !r.hasRecv {
		return 0
	}
	return r.lastRecv
}

// Bitfield returns the receipt window for the 32 packets preceding
// LastReceived.
func (r *ReceiveBuffer) Bitfield() uint32 {
	if !r.hasRecv {
		return 0
	}
	return r.bitfield
}

// Received reports whether id is known to have been received, as far as the
// current window can tell.
func (r *ReceiveBuffer) Received(id ID) bool {
	if !r.hasRecv {
		return false
	}
	diff := int16(id - r.lastRecv)
	if diff == 0 {
		return true
	}
	if diff < 0 && diff >= -ackWindow {
		return r.bitfield&(1<<uint(-diff-1)) != 0
	}
	return false
}

// Reset clears the buffer back to its initial state, as on disconnect.
func (r *ReceiveBuffer) Reset() {
	*r = ReceiveBuffer{}
}
