package prediction_test

import (
	"testing"

	"github.com/leap-fish/rebound/inputbuf"
	"github.com/leap-fish/rebound/prediction"
	"github.com/leap-fish/rebound/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi"
)

type Health struct {
	Current int
}

type Pos struct {
	X int
}

var (
	healthComponent = donburi.NewComponentType[Health]()
	posComponent    = donburi.NewComponentType[Pos]()
	// donburi requires at least one component per entity; marker is never
	// registered with the prediction engine.
	markerComponent = donburi.NewComponentType[struct{}]()
)

func newEngine(t *testing.T) (donburi.World, *prediction.Engine) {
	t.Helper()
	world := donburi.NewWorld()
	registry := prediction.NewRegistry()
	prediction.RegisterComponent(registry, 2, healthComponent, prediction.ComponentConfig[Health]{})
	return world, prediction.NewEngine(world, registry, prediction.Config{})
}

func setHealth(world donburi.World, entity donburi.Entity, v Health) {
	entry := world.Entry(entity)
	if !entry.HasComponent(healthComponent) {
		entry.AddComponent(healthComponent)
	}
	healthComponent.SetValue(entry, v)
}

// The five should_rollback combinations.

func TestNeedsRollback_ConfirmedAbsentNoHistory(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(markerComponent)
	engine.Pair(confirmed, 0)

	// Neither side ever had the component.
	assert.False(t, engine.NeedsRollback(3))
}

func TestNeedsRollback_ConfirmedAbsentHistoryPresent(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(markerComponent)
	predicted := engine.Pair(confirmed, 0)

	// The client predicted the component into existence.
	setHealth(world, predicted, Health{Current: 10})
	engine.RecordTick(1)

	assert.True(t, engine.NeedsRollback(2))
}

func TestNeedsRollback_ConfirmedPresentNoHistory(t *testing.T) {
	world, engine := newEngine(t)

	// Hand-built pair with a component the predicted side has never
	// recorded: the object is missing locally.
	confirmed := world.Create(healthComponent, prediction.ConfirmedComponent)
	predicted := world.Create(prediction.PredictedComponent)
	setHealth(world, confirmed, Health{Current: 7})
	prediction.ConfirmedComponent.SetValue(world.Entry(confirmed), prediction.Confirmed{Predicted: predicted})
	prediction.PredictedComponent.SetValue(world.Entry(predicted), prediction.Predicted{Confirmed: confirmed})

	assert.True(t, engine.NeedsRollback(2))
}

func TestNeedsRollback_HistoryRemoved(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(healthComponent)
	setHealth(world, confirmed, Health{Current: 5})
	predicted := engine.Pair(confirmed, 0)

	// Speculative removal the server disagrees with.
	world.Entry(predicted).RemoveComponent(healthComponent)
	engine.RecordTick(1)

	assert.True(t, engine.NeedsRollback(2))
}

func TestNeedsRollback_ValueComparison(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(healthComponent)
	setHealth(world, confirmed, Health{Current: 5})
	predicted := engine.Pair(confirmed, 0)

	// Matching values: no rollback.
	assert.False(t, engine.NeedsRollback(1))

	// Diverged prediction: rollback.
	setHealth(world, predicted, Health{Current: 9})
	engine.RecordTick(1)
	assert.True(t, engine.NeedsRollback(1))
}

func TestNeedsRollback_CustomComparer(t *testing.T) {
	world := donburi.NewWorld()
	registry := prediction.NewRegistry()
	prediction.RegisterComponent(registry, 2, healthComponent, prediction.ComponentConfig[Health]{
		Comparer: func(a, b Health) bool {
			diff := a.Current - b.Current
			return diff >= -1 && diff <= 1
		},
	})
	engine := prediction.NewEngine(world, registry, prediction.Config{})

	confirmed := world.Create(healthComponent)
	setHealth(world, confirmed, Health{Current: 5})
	predicted := engine.Pair(confirmed, 0)

	// Off by one is within tolerance for this component.
	setHealth(world, predicted, Health{Current: 6})
	engine.RecordTick(1)
	assert.False(t, engine.NeedsRollback(1))

	setHealth(world, predicted, Health{Current: 8})
	engine.RecordTick(2)
	assert.True(t, engine.NeedsRollback(2))
}

func TestRollback_SnapAndHistoryTruncation(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(healthComponent)
	setHealth(world, confirmed, Health{Current: 5})
	predicted := engine.Pair(confirmed, 0)

	setHealth(world, predicted, Health{Current: 20})
	engine.RecordTick(1)
	setHealth(world, predicted, Health{Current: 30})
	engine.RecordTick(2)

	// The server recorded 7 at tick 1.
	setHealth(world, confirmed, Health{Current: 7})
	require.True(t, engine.NeedsRollback(1))

	engine.Rollback(1, 2, prediction.SimulatorFunc(func(w donburi.World, tk tick.Tick) {
		// Deterministic replay: +1 health per tick.
		entry := w.Entry(predicted)
		h := healthComponent.Get(entry)
		h.Current++
	}))

	entry := world.Entry(predicted)
	assert.Equal(t, 8, healthComponent.Get(entry).Current)
}

// End-to-end: rollback at T, then replay T+1..T+2 from the buffered local
// inputs, landing on confirmed@T plus the replayed inputs.
func TestRollback_ReplaysBufferedInputs(t *testing.T) {
	world := donburi.NewWorld()
	registry := prediction.NewRegistry()
	prediction.RegisterComponent(registry, 3, posComponent, prediction.ComponentConfig[Pos]{})
	engine := prediction.NewEngine(world, registry, prediction.Config{})

	confirmed := world.Create(posComponent)
	world.Entry(confirmed) // Pos zero value
	predicted := engine.Pair(confirmed, 0)

	var inputs inputbuf.Buffer[int]
	inputs.Set(1, 10)
	inputs.Set(2, 10)
	inputs.Set(3, 10)

	sim := prediction.SimulatorFunc(func(w donburi.World, tk tick.Tick) {
		v, ok := inputs.Get(tk)
		if !ok {
			return
		}
		entry := w.Entry(predicted)
		pos := posComponent.Get(entry)
		pos.X += v
	})

	// Forward prediction through tick 3: X = 10, 20, 30.
	for tk := tick.Tick(1); !tk.After(3); tk = tk.Add(1) {
		sim.Step(world, tk)
		engine.RecordTick(tk)
	}
	require.Equal(t, 30, posComponent.Get(world.Entry(predicted)).X)

	// Confirmation arrives: at tick 1 the server saw X=5, not 10.
	posComponent.SetValue(world.Entry(confirmed), Pos{X: 5})
	require.True(t, engine.NeedsRollback(1))

	engine.Rollback(1, 3, sim)

	// confirmed@1 (5) + inputs for ticks 2 and 3 (10 each).
	assert.Equal(t, 25, posComponent.Get(world.Entry(predicted)).X)

	// A second identical rollback must land on the same value.
	engine.Rollback(1, 3, sim)
	assert.Equal(t, 25, posComponent.Get(world.Entry(predicted)).X)
}

func TestDespawnPredicted_StripsAndResurrects(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(healthComponent)
	setHealth(world, confirmed, Health{Current: 5})
	predicted := engine.Pair(confirmed, 0)

	engine.DespawnPredicted(predicted, 2)

	entry := world.Entry(predicted)
	assert.True(t, world.Valid(predicted))
	assert.False(t, entry.HasComponent(healthComponent))
	assert.True(t, entry.HasComponent(prediction.PendingDespawnComponent))

	// The server still has the entity: rollback resurrects it.
	engine.Rollback(3, 3, prediction.SimulatorFunc(func(donburi.World, tick.Tick) {}))

	entry = world.Entry(predicted)
	assert.True(t, entry.HasComponent(healthComponent))
	assert.False(t, entry.HasComponent(prediction.PendingDespawnComponent))
	assert.Equal(t, 5, healthComponent.Get(entry).Current)
}

func TestDespawnPredicted_ExpiresAfterRetention(t *testing.T) {
	world := donburi.NewWorld()
	registry := prediction.NewRegistry()
	prediction.RegisterComponent(registry, 2, healthComponent, prediction.ComponentConfig[Health]{})
	engine := prediction.NewEngine(world, registry, prediction.Config{RetentionTicks: 5})

	predicted := world.Create(prediction.PredictedComponent, healthComponent)
	engine.DespawnPredicted(predicted, 10)

	engine.Collect(12)
	assert.True(t, world.Valid(predicted))

	engine.Collect(16)
	assert.False(t, world.Valid(predicted))
}

func TestDespawnConfirmed_TearsDownPair(t *testing.T) {
	world, engine := newEngine(t)

	confirmed := world.Create(healthComponent)
	predicted := engine.Pair(confirmed, 0)

	engine.DespawnConfirmed(confirmed)

	assert.False(t, world.Valid(confirmed))
	assert.False(t, world.Valid(predicted))
}
