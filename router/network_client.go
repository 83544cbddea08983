package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/leap-fish/rebound/packet"
	"github.com/leap-fish/rebound/tick"
)

// NetworkClient is one connected peer. Besides the raw connection it owns
// the link's packet manager, so every peer tracks its own packet ids, ack
// window and pending sends.
type NetworkClient struct {
	*websocket.Conn
	ctx context.Context

	mu      sync.Mutex
	packets *packet.Manager
}

func NewNetworkClient(ctx context.Context, underlying *websocket.Conn) *NetworkClient {
	return &NetworkClient{
		Conn:    underlying,
		ctx:     ctx,
		packets: packet.NewManager(),
	}
}

func (c *NetworkClient) SendMessage(msg any) error {
	payload, err := Serialize(msg)
	if err != nil {
		return fmt.Errorf("unable to serialize message: %w", err)
	}

	return c.SendMessageBytes(payload)
}

func (c *NetworkClient) SendMessageBytes(msgBytes []byte) error {
	err := c.Conn.Write(c.ctx, websocket.MessageBinary, msgBytes)
	if err != nil {
		return fmt.Errorf("unable to write message: %w", err)
	}

	return nil
}

// SendPacket prepends a packet header to payload and writes it out,
// returning the allocated packet id for ack correlation.
func (c *NetworkClient) SendPacket(pktType packet.Type, t tick.Tick, payload []byte) (packet.ID, error) {
	c.mu.Lock()
	header := c.packets.PrepareSendHeader(pktType, t, time.Now())
	c.mu.Unlock()

	buf := make([]byte, 0, packet.HeaderSize+len(payload))
	buf = header.Encode(buf)
	buf = append(buf, payload...)

	if err := c.Conn.Write(c.ctx, websocket.MessageBinary, buf); err != nil {
		return 0, fmt.Errorf("unable to write packet: %w", err)
	}

	return header.PacketID, nil
}

// ProcessPacket splits a raw packet into header and payload and folds the
// header's acks into the link state, returning the newly acked ids.
func (c *NetworkClient) ProcessPacket(data []byte) (packet.Header, []byte, []packet.ID, error) {
	header, payload, err := packet.DecodeHeader(data)
	if err != nil {
		return packet.Header{}, nil, nil, err
	}

	c.mu.Lock()
	acked := c.packets.ProcessRecvHeader(header)
	c.mu.Unlock()

	return header, payload, acked, nil
}

// Packets exposes the link's packet manager for timeout scans.
func (c *NetworkClient) Packets() *packet.Manager {
	return c.packets
}

func (c *NetworkClient) Id() uuid.UUID {
	return Id(c)
}
