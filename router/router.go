// Package router dispatches received messages to type-keyed callbacks and
// tracks connected peers. Each peer carries its own packet manager for the
// ack bookkeeping of the replication channels.
package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/leap-fish/rebound/internal/syncx"
	"github.com/leap-fish/rebound/packet"
	"github.com/leap-fish/rebound/typeid"
	"github.com/leap-fish/rebound/typemapper"
)

// messageFrame prefixes every msgpack-framed message. Packet headers start
// with their type byte (1..4), so the zero byte keeps the two framings
// disjoint regardless of how the type id hash happens to encode.
const messageFrame byte = 0x00

var (
	ErrCallbackNotRegistered = errors.New("callback type not registered")
	ErrMessageNotRegistered  = errors.New("message type is not registered")
	ErrUnknownPeer           = errors.New("peer is not connected")
	ErrUnknownFrame          = errors.New("message frame is not recognized")

	mapper = typemapper.NewMapper(map[uint]any{})

	// Connect and disconnect callback arrays are responsible for handling connect and disconnect events.
	// These are separate, because they do not take a dynamic type.
	connectCallbacks    []func(sender *NetworkClient)
	disconnectCallbacks []func(sender *NetworkClient, err error)
	errorCallbacks      []func(sender *NetworkClient, err error)

	callbacks = make(map[reflect.Type][]any)

	packetCallbacks []func(sender *NetworkClient, header packet.Header, payload []byte, acked []packet.ID)

	idMap     = syncx.Map[*websocket.Conn, uuid.UUID]{}
	clientMap = syncx.Map[*websocket.Conn, *NetworkClient]{}
	peerById  = syncx.Map[uuid.UUID, *NetworkClient]{}
)

// On adds a callback to be called whenever the specified message type T is received.
// Note: sender will be nil in client callbacks.
func On[T any](callback func(sender *NetworkClient, message T)) {
	handlerType := reflect.TypeOf(callback).In(1)

	// Register the type in the type registry.
	id := typeid.GetTypeId(handlerType)

	// Error is ignored because it just means there is already a mapping with this type registered, so the mapper
	// does not want to register another one. Not an issue for this call.
	_ = mapper.RegisterType(id, handlerType)

	// Add the callback to the router.
	// So we can reference it when processing messages.
	callbacks[handlerType] = append(callbacks[handlerType], callback)
}

// OnConnect adds a callback to call whenever a session connects to the server.
// Note: sender will be nil in client callbacks.
func OnConnect(callback func(sender *NetworkClient)) {
	connectCallbacks = append(connectCallbacks, callback)
}

// OnDisconnect adds a callback to call whenever a session disconnects from the server.
// Note: sender will be nil in client callbacks.
func OnDisconnect(callback func(sender *NetworkClient, err error)) {
	disconnectCallbacks = append(disconnectCallbacks, callback)
}

// OnError adds a callback to call whenever a message error occurs.
// Note: sender will be nil in client callbacks.
func OnError(callback func(sender *NetworkClient, err error)) {
	errorCallbacks = append(errorCallbacks, callback)
}

// OnPacket adds a callback for header-framed replication packets. The
// header's acks are folded into the peer's packet manager before the
// callback runs; acked carries the newly confirmed packet ids.
func OnPacket(callback func(sender *NetworkClient, header packet.Header, payload []byte, acked []packet.ID)) {
	packetCallbacks = append(packetCallbacks, callback)
}

// isPacket tells header-framed packets apart from msgpack-framed
// messages: a packet starts with its type tag, a message with the zero
// frame byte.
func isPacket(msg []byte) bool {
	if len(msg) < packet.HeaderSize {
		return false
	}
	t := packet.Type(msg[0])
	return t >= packet.TypeActions && t <= packet.TypePing
}

// ProcessMessage deserializes a byte message and calls its registered callbacks.
// Header-framed replication packets are routed to the packet callbacks instead.
func ProcessMessage(sender *NetworkClient, msg []byte) error {
	if isPacket(msg) {
		header, payload, acked, err := sender.ProcessPacket(msg)
		if err != nil {
			return err
		}
		for _, callback := range packetCallbacks {
			callback(sender, header, payload, acked)
		}
		return nil
	}

	if len(msg) == 0 {
		return ErrUnknownFrame
	}
	if msg[0] != messageFrame {
		return fmt.Errorf("%w: first byte %#x", ErrUnknownFrame, msg[0])
	}

	instance, err := mapper.Deserialize(msg[1:])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCallbackNotRegistered, err)
	}

	instanceType := reflect.TypeOf(instance)
	callbackList := callbacks[instanceType]

	if callbackList == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotRegistered, instanceType)
	}

	arguments := []reflect.Value{reflect.ValueOf(sender), reflect.ValueOf(instance)}

	var localCallback reflect.Value
	for _, callback := range callbackList {
		localCallback = reflect.ValueOf(callback)
		localCallback.Call(arguments)
	}

	return nil
}

func Client(conn *websocket.Conn) *NetworkClient {
	client, ok := clientMap.Load(conn)
	if ok {
		return client
	}

	client = NewNetworkClient(context.Background(), conn)
	clientMap.Store(conn, client)
	peerById.Store(Id(client), client)
	return client
}

// Id returns the session id for a client, assigning one on first use.
func Id(client *NetworkClient) uuid.UUID {
	id, ok := idMap.Load(client.Conn)
	if ok {
		return id
	}

	id = uuid.New()
	idMap.Store(client.Conn, id)
	return id
}

// FindPeer resolves a session id back to its connected client, or nil.
func FindPeer(id uuid.UUID) *NetworkClient {
	client, ok := peerById.Load(id)
	if !ok {
		return nil
	}
	return client
}

// Peers returns a new slice of NetworkClient pointers from the underlying map.
// Use PeerMap if you are able to as this avoids this kind of duplication.
func Peers() []*NetworkClient {
	var peers []*NetworkClient

	clientMap.Range(func(key *websocket.Conn, value *NetworkClient) bool {
		peers = append(peers, value)
		return true
	})
	return peers
}

// PeerMap returns a pointer to the underlying peer map.
func PeerMap() *syncx.Map[*websocket.Conn, *NetworkClient] {
	return &clientMap
}

func Broadcast(msg any) error {
	payload, err := Serialize(msg)
	if err != nil {
		return err
	}

	for _, client := range Peers() {
		err := client.SendMessageBytes(payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func Serialize(msg any) ([]byte, error) {
	msgType := reflect.TypeOf(msg)
	if mapper.LookupId(msgType) == 0 {
		id := typeid.GetTypeId(msgType)
		_ = mapper.RegisterType(id, msgType)
	}

	payload, err := mapper.Serialize(msg)
	if err != nil {
		return nil, err
	}
	return append([]byte{messageFrame}, payload...), nil
}

func CallProcessMessage(sender *websocket.Conn, msg []byte) error {
	return ProcessMessage(Client(sender), msg)
}

func CallConnect(sender *websocket.Conn) {
	client := Client(sender)
	for _, callback := range connectCallbacks {
		go callback(client)
	}
}

func CallDisconnect(sender *websocket.Conn, err error) {
	client := Client(sender)
	for _, callback := range disconnectCallbacks {
		go callback(client, err)
	}

	if id, ok := idMap.Load(sender); ok {
		peerById.Delete(id)
	}
	idMap.Delete(sender)
	clientMap.Delete(sender)
}

func CallError(sender *websocket.Conn, err error) {
	client := Client(sender)
	for _, callback := range errorCallbacks {
		go callback(client, err)
	}
}

func ResetRouter() {
	mapper = typemapper.NewMapper(map[uint]any{})
	connectCallbacks = []func(sender *NetworkClient){}
	disconnectCallbacks = []func(sender *NetworkClient, err error){}
	errorCallbacks = []func(sender *NetworkClient, err error){}
	callbacks = make(map[reflect.Type][]any)
	packetCallbacks = nil

	idMap = syncx.Map[*websocket.Conn, uuid.UUID]{}
	clientMap = syncx.Map[*websocket.Conn, *NetworkClient]{}
	peerById = syncx.Map[uuid.UUID, *NetworkClient]{}
}
