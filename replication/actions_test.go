package replication_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leap-fish/rebound/replication"
)

// appendRecord hand-builds one entity record with a single full-value
// component, using the public arena API.
func appendRecord(arena *replication.SerializedData, id replication.NetworkId, comp uint, payload []byte) replication.Range {
	mark := arena.Mark()
	arena.AppendUint32(uint32(id))
	arena.AppendByte(1)
	arena.AppendUint32(uint32(comp))
	arena.AppendByte(byte(replication.DeltaFull))
	arena.AppendUint32(uint32(len(payload)))
	arena.AppendBytes(payload)
	return arena.Since(mark)
}

func TestActions_EncodeDecodeRoundTrip(t *testing.T) {
	arena := &replication.SerializedData{}

	actions := &replication.Actions{}
	actions.AddSpawn(appendRecord(arena, 7, 1, []byte{0xaa, 0xbb}))
	actions.AddDespawn(9)
	actions.AddRemoval(7, 2)
	actions.AddUpdate(appendRecord(arena, 8, 1, []byte{0xcc}))

	msg, err := replication.DecodeActions(actions.Encode(arena))
	require.NoError(t, err)

	require.Len(t, msg.Spawns, 1)
	assert.Equal(t, replication.NetworkId(7), msg.Spawns[0].Id)
	require.Len(t, msg.Spawns[0].Components, 1)
	assert.Equal(t, uint(1), msg.Spawns[0].Components[0].Component)
	assert.Equal(t, []byte{0xaa, 0xbb}, msg.Spawns[0].Components[0].Payload)

	assert.Equal(t, []replication.NetworkId{9}, msg.Despawns)

	require.Len(t, msg.Removals, 1)
	assert.Equal(t, replication.NetworkId(7), msg.Removals[0].Id)
	assert.Equal(t, []uint{2}, msg.Removals[0].Components)

	require.Len(t, msg.Updates, 1)
	assert.Equal(t, replication.NetworkId(8), msg.Updates[0].Id)
}

func TestActions_LastSectionHasNoLengthPrefix(t *testing.T) {
	arena := &replication.SerializedData{}

	// Only spawns: the single section is last and follows the flags byte
	// directly.
	actions := &replication.Actions{}
	rec := appendRecord(arena, 1, 1, []byte{0x01})
	actions.AddSpawn(rec)

	payload := actions.Encode(arena)
	assert.Equal(t, replication.FlagSpawns, payload[0])
	assert.Equal(t, arena.Bytes(rec), payload[1:])

	// Spawns plus despawns: spawns gets a length prefix, the trailing
	// despawn section does not.
	actions.AddDespawn(3)
	payload = actions.Encode(arena)
	assert.Equal(t, replication.FlagSpawns|replication.FlagDespawns, payload[0])
	spawnLen := binary.LittleEndian.Uint32(payload[1:5])
	assert.Equal(t, rec.Len(), int(spawnLen))

	despawns := payload[5+spawnLen:]
	require.Len(t, despawns, 4)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(despawns))
}

func TestActions_ResetAndEmpty(t *testing.T) {
	actions := &replication.Actions{}
	assert.True(t, actions.Empty())

	actions.AddDespawn(1)
	assert.False(t, actions.Empty())

	actions.Reset()
	assert.True(t, actions.Empty())
}

func TestDecodeActions_Truncated(t *testing.T) {
	_, err := replication.DecodeActions(nil)
	assert.ErrorIs(t, err, replication.ErrTruncatedMessage)

	// Flags promise a length-prefixed spawn section that is not there.
	_, err = replication.DecodeActions([]byte{replication.FlagSpawns | replication.FlagDespawns, 0xff})
	assert.ErrorIs(t, err, replication.ErrTruncatedMessage)
}
