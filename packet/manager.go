package packet

import (
	"time"

	"github.com/leap-fish/rebound/tick"
	"github.com/sirupsen/logrus"
)

// Nack timing bounds. The nack duration scales with the link's rtt estimate
// but is always clamped into this range.
const (
	MinNackDuration = 10 * time.Millisecond
	MaxNackDuration = 3 * time.Second

	// DefaultNackMultiplier scales the rtt estimate into a nack timeout.
	DefaultNackMultiplier = 3.0
)

// Manager owns one link's packet id allocation, pending-ack tracking and
// receive window. It is not safe for concurrent use; each peer link holds
// its own manager.
type Manager struct {
	nextID  ID
	pending map[ID]time.Time
	recv    ReceiveBuffer

	nackMultiplier float64
	log            *logrus.Entry
}

// NewManager returns a manager with an empty window. Packet ids start at 1;
// id 0 is the reserved "nothing acked" sentinel.
func NewManager() *Manager {
	return &Manager{
		nextID:         1,
		pending:        make(map[ID]time.Time),
		nackMultiplier: DefaultNackMultiplier,
		log:            logrus.WithField("component", "packet"),
	}
}

// SetNackMultiplier overrides the rtt multiplier used by Update.
func (m *Manager) SetNackMultiplier(mult float64) {
	m.nackMultiplier = mult
}

// PrepareSendHeader allocates the next sequential packet id, snapshots the
// current receive window into the ack fields, records the packet as pending
// and returns a header ready to prepend to the payload.
func (m *Manager) PrepareSendHeader(pktType Type, t tick.Tick, now time.Time) Header {
	id := m.nextID
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1
	}

	m.pending[id] = now

	return Header{
		Type:            pktType,
		PacketID:        id,
		LastAckPacketID: m.recv.LastReceived(),
		AckBitfield:     m.recv.Bitfield(),
		Tick:            t,
	}
}

// ProcessRecvHeader folds a received header into the local state: the
// sender's packet id is added to the receive window, and the header's own
// ack fields are walked to confirm delivery of our packets. The newly acked
// ids are returned.
func (m *Manager) ProcessRecvHeader(h Header) []ID {
	m.recv.Receive(h.PacketID)

	if h.LastAckPacketID == 0 {
		return nil
	}

	var acked []ID
	if m.ack(h.LastAckPacketID) {
		acked = append(acked, h.LastAckPacketID)
	}
	for i := 0; i < ackWindow; i++ {
		if h.AckBitfield&(1<<uint(i)) == 0 {
			continue
		}
		id := h.LastAckPacketID - 1 - ID(i)
		if m.ack(id) {
			acked = append(acked, id)
		}
	}

	return acked
}

func (m *Manager) ack(id ID) bool {
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

// Update scans the pending map and evicts packets older than the nack
// duration derived from the rtt estimate, returning them as presumed lost.
// Lost here is a heuristic: a late ack for an evicted packet is simply
// ignored by ProcessRecvHeader.
func (m *Manager) Update(now time.Time, rtt time.Duration) []ID {
	nackAfter := time.Duration(float64(rtt) * m.nackMultiplier)
	if nackAfter < MinNackDuration {
		nackAfter = MinNackDuration
	}
	if nackAfter > MaxNackDuration {
		nackAfter = MaxNackDuration
	}

	var lost []ID
	for id, sentAt := range m.pending {
		if now.Sub(sentAt) > nackAfter {
			delete(m.pending, id)
			lost = append(lost, id)
		}
	}

	if len(lost) > 0 {
		m.log.WithFields(logrus.Fields{
			"count":   len(lost),
			"timeout": nackAfter,
		}).Debug("nacked unacked packets by timeout")
	}

	return lost
}

// PendingCount returns how many sent packets are still awaiting an ack.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// ReceiveBuffer exposes the link's receive window, mainly for tests and
// diagnostics.
func (m *Manager) ReceiveBuffer() *ReceiveBuffer {
	return &m.recv
}

// Reset returns the manager to its initial state, as on disconnect.
func (m *Manager) Reset() {
	m.nextID = 1
	m.pending = make(map[ID]time.Time)
	m.recv.Reset()
}
