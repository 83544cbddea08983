package typemapper

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrIdReserved is returned when registering an id that is already
	// mapped to another type.
	ErrIdReserved = errors.New("type id is reserved")
	// ErrUnknownType is returned when serializing a value whose type was
	// never registered.
	ErrUnknownType = errors.New("type is not registered")
	// ErrUnknownId is returned when decoding a payload whose id has no
	// registered type on this peer.
	ErrUnknownId = errors.New("type id is not registered")
)

// TypeMapper maps stable ids to Go types and encodes/decodes values as
// id-prefixed msgpack payloads. Both peers must register identical mappings
// for the wire format to line up.
type TypeMapper struct {
	mu       sync.RWMutex
	typeToId map[reflect.Type]uint
	idToType map[uint]reflect.Type

	handle *codec.MsgpackHandle
}

// NewMapper initializes a mapper, optionally pre-seeded with id->instance
// mappings.
func NewMapper(seed map[uint]any) *TypeMapper {
	m := &TypeMapper{
		typeToId: make(map[reflect.Type]uint, len(seed)),
		idToType: make(map[uint]reflect.Type, len(seed)),
		handle:   &codec.MsgpackHandle{},
	}

	for id, instance := range seed {
		typ := reflect.TypeOf(instance)
		m.typeToId[typ] = id
		m.idToType[id] = typ
	}

	return m
}

// RegisterType maps id to the given reflect.Type. Re-registering the same
// pair is a no-op; claiming an id held by another type fails.
func (m *TypeMapper) RegisterType(id uint, typ reflect.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idToType[id]; ok && existing != typ {
		return fmt.Errorf("%w: id %d already maps to %s", ErrIdReserved, id, existing)
	}

	m.typeToId[typ] = id
	m.idToType[id] = typ
	return nil
}

// Register maps id to the type of the given instance.
func (m *TypeMapper) Register(id uint, instance any) error {
	return m.RegisterType(id, reflect.TypeOf(instance))
}

// Lookup finds the type registered for id, or nil.
func (m *TypeMapper) Lookup(id uint) reflect.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.idToType[id]
}

// LookupId finds the id registered for a type, or 0.
func (m *TypeMapper) LookupId(typ reflect.Type) uint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.typeToId[typ]
}

// Serialize encodes value as its registered id followed by the msgpack body.
func (m *TypeMapper) Serialize(value any) ([]byte, error) {
	typ := reflect.TypeOf(value)
	id := m.LookupId(typ)
	if id == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	buf := &bytes.Buffer{}
	encoder := codec.NewEncoder(buf, m.handle)

	if err := encoder.Encode(id); err != nil {
		return nil, err
	}
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserialize decodes an id-prefixed payload back into a value of the
// registered type.
func (m *TypeMapper) Deserialize(data []byte) (any, error) {
	decoder := codec.NewDecoderBytes(data, m.handle)

	var id uint
	if err := decoder.Decode(&id); err != nil {
		return nil, err
	}

	typ := m.Lookup(id)
	if typ == nil {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownId, id)
	}

	instance := reflect.New(typ).Interface()
	if err := decoder.Decode(instance); err != nil {
		return nil, err
	}

	return reflect.ValueOf(instance).Elem().Interface(), nil
}
