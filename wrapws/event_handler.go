package wrapws

import (
	"context"

	"nhooyr.io/websocket"
)

// EventHandler receives the lifecycle and message events of one websocket
// connection.
type EventHandler interface {
	OnConnect(ctx context.Context, conn *websocket.Conn)
	OnDisconnect(ctx context.Context, conn *websocket.Conn, err error)
	OnError(ctx context.Context, conn *websocket.Conn, err error)
	OnMessage(ctx context.Context, conn *websocket.Conn, payload []byte)
}
