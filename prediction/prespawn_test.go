package prediction_test

import (
	"testing"

	"github.com/leap-fish/rebound/prediction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi"
)

func TestSpawnHash_OrderInsensitive(t *testing.T) {
	a := prediction.SpawnHash(10, 0, []uint{3, 1, 2})
	b := prediction.SpawnHash(10, 0, []uint{1, 2, 3})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, prediction.SpawnHash(11, 0, []uint{1, 2, 3}))
	assert.NotEqual(t, a, prediction.SpawnHash(10, 7, []uint{1, 2, 3}))
	assert.NotEqual(t, a, prediction.SpawnHash(10, 0, []uint{1, 2}))
}

func TestMarkPreSpawned_MatchLinksPair(t *testing.T) {
	world, engine := newEngine(t)

	local := world.Create(healthComponent)
	setHealth(world, local, Health{Current: 3})
	hash := engine.MarkPreSpawned(local, 5, 0)

	entry := world.Entry(local)
	require.True(t, entry.HasComponent(prediction.PreSpawnComponent))

	// Server confirms an entity with the same hash: link, don't respawn.
	confirmed := world.Create(healthComponent)
	matched, ok := engine.MatchPreSpawned(hash, confirmed, 6)
	require.True(t, ok)
	assert.Equal(t, local, matched)

	entry = world.Entry(local)
	assert.False(t, entry.HasComponent(prediction.PreSpawnComponent))
	assert.Equal(t, confirmed, prediction.PredictedComponent.Get(entry).Confirmed)

	confirmedEntry := world.Entry(confirmed)
	require.True(t, confirmedEntry.HasComponent(prediction.ConfirmedComponent))
	assert.Equal(t, local, prediction.ConfirmedComponent.Get(confirmedEntry).Predicted)
}

func TestMatchPreSpawned_ConsumesOneEntry(t *testing.T) {
	world, engine := newEngine(t)

	first := world.Create(healthComponent)
	second := world.Create(healthComponent)
	hash := engine.MarkPreSpawned(first, 5, 0)
	require.Equal(t, hash, engine.MarkPreSpawned(second, 5, 0))

	confirmedA := world.Create(healthComponent)
	confirmedB := world.Create(healthComponent)

	matchedA, ok := engine.MatchPreSpawned(hash, confirmedA, 6)
	require.True(t, ok)
	matchedB, ok := engine.MatchPreSpawned(hash, confirmedB, 6)
	require.True(t, ok)

	assert.NotEqual(t, matchedA, matchedB)

	_, ok = engine.MatchPreSpawned(hash, world.Create(healthComponent), 7)
	assert.False(t, ok)
}

func TestMatchPreSpawned_UnknownHash(t *testing.T) {
	world, engine := newEngine(t)

	_, ok := engine.MatchPreSpawned(0xdead, world.Create(healthComponent), 1)
	assert.False(t, ok)
}

func TestCollect_DropsStalePreSpawns(t *testing.T) {
	world := donburi.NewWorld()
	registry := prediction.NewRegistry()
	prediction.RegisterComponent(registry, 2, healthComponent, prediction.ComponentConfig[Health]{})
	engine := prediction.NewEngine(world, registry, prediction.Config{RetentionTicks: 10})

	local := world.Create(healthComponent)
	hash := engine.MarkPreSpawned(local, 100, 0)

	engine.Collect(105)
	assert.True(t, world.Valid(local))

	engine.Collect(120)
	assert.False(t, world.Valid(local))

	_, ok := engine.MatchPreSpawned(hash, world.Create(healthComponent), 121)
	assert.False(t, ok)
}
