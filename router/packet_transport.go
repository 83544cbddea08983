package router

import (
	"github.com/google/uuid"

	"github.com/leap-fish/rebound/packet"
	"github.com/leap-fish/rebound/tick"
)

// PacketTransport hands replication payloads to connected peers, stamping
// every packet with the current tick. It satisfies the replication sender's
// transport interface.
type PacketTransport struct {
	Clock *tick.Manager
}

func NewPacketTransport(clock *tick.Manager) *PacketTransport {
	return &PacketTransport{Clock: clock}
}

func (p *PacketTransport) Send(client uuid.UUID, pktType packet.Type, payload []byte) (packet.ID, error) {
	peer := FindPeer(client)
	if peer == nil {
		return 0, ErrUnknownPeer
	}

	return peer.SendPacket(pktType, p.Clock.Tick(), payload)
}
