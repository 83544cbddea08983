package prediction

import (
	"github.com/leap-fish/rebound/tick"
	"github.com/sirupsen/logrus"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"
)

// DefaultRetentionTicks bounds how long unmatched pre-spawned entities and
// pending despawns are kept before being collected. Tunable, not protocol.
const DefaultRetentionTicks = 50

// Config tunes the prediction engine.
type Config struct {
	// RetentionTicks overrides DefaultRetentionTicks when > 0.
	RetentionTicks int16
}

// Simulator advances the game simulation by exactly one tick. Rollback
// replays ticks through it; the step must be byte-for-byte deterministic
// for a given tick and buffered inputs, since a replay can itself be
// replayed when further confirmations arrive.
type Simulator interface {
	Step(world donburi.World, t tick.Tick)
}

// SimulatorFunc adapts a function to the Simulator interface.
type SimulatorFunc func(world donburi.World, t tick.Tick)

func (f SimulatorFunc) Step(world donburi.World, t tick.Tick) {
	f(world, t)
}

var (
	predictedQuery = donburi.NewQuery(filter.Contains(PredictedComponent))
	confirmedQuery = donburi.NewQuery(filter.Contains(ConfirmedComponent))
)

// Engine drives per-entity prediction history, the rollback decision and
// replay, the pair despawn protocol and pre-spawn matching.
type Engine struct {
	world    donburi.World
	registry *Registry

	retention int16
	prespawn  map[uint64][]donburi.Entity

	corrections map[correctionKey]correctionState

	log *logrus.Entry
}

func NewEngine(world donburi.World, registry *Registry, cfg Config) *Engine {
	retention := cfg.RetentionTicks
	if retention <= 0 {
		retention = DefaultRetentionTicks
	}
	return &Engine{
		world:       world,
		registry:    registry,
		retention:   retention,
		prespawn:    make(map[uint64][]donburi.Entity),
		corrections: make(map[correctionKey]correctionState),
		log:         logrus.WithField("component", "prediction"),
	}
}

// RecordTick appends history entries for every tracked component of every
// predicted entity that changed during tick t. Call it at the end of each
// fixed simulation step.
func (e *Engine) RecordTick(t tick.Tick) {
	predictedQuery.Each(e.world, func(entry *donburi.Entry) {
		for _, h := range e.registry.handlers {
			h.record(entry, t)
		}
	})
}

// NeedsRollback compares the freshly confirmed state at confirmedTick
// against every paired entity's history and reports whether any component
// diverged. Run once per received confirmed snapshot, before the next
// forward tick. History entries older than confirmedTick are pruned on the
// way out; the confirmation supersedes them, and a rollback never rewinds
// past it.
func (e *Engine) NeedsRollback(confirmedTick tick.Tick) bool {
	needed := false
	confirmedQuery.Each(e.world, func(confirmed *donburi.Entry) {
		if needed {
			return
		}

		predicted, ok := e.predictedEntry(confirmed)
		if !ok {
			return
		}

		for _, h := range e.registry.handlers {
			if h.shouldRollback(confirmed, predicted, confirmedTick) {
				e.log.WithFields(logrus.Fields{
					"entity":    predicted.Id(),
					"component": h.ctype.Name(),
					"tick":      confirmedTick,
				}).Debug("rollback triggered")
				needed = true
				return
			}
		}
	})

	predictedQuery.Each(e.world, func(predicted *donburi.Entry) {
		for _, h := range e.registry.handlers {
			h.prune(predicted, confirmedTick)
		}
	})

	return needed
}

// Rollback snaps every paired predicted entity to the confirmed state at
// confirmedTick, rewinds unpaired (pre-spawned) entities to their own
// history, then deterministically re-simulates every tick up to
// currentTick, re-recording history as it goes.
func (e *Engine) Rollback(confirmedTick, currentTick tick.Tick, sim Simulator) {
	confirmedQuery.Each(e.world, func(confirmed *donburi.Entry) {
		predicted, ok := e.predictedEntry(confirmed)
		if !ok {
			return
		}

		e.captureCorrections(predicted, confirmed, confirmedTick)

		for _, h := range e.registry.handlers {
			h.snap(confirmed, predicted, confirmedTick)
		}

		// The server says this entity exists; a speculative despawn that
		// contradicts it is undone here.
		if predicted.HasComponent(PendingDespawnComponent) {
			predicted.RemoveComponent(PendingDespawnComponent)
		}

		conf := ConfirmedComponent.Get(confirmed)
		conf.Tick = confirmedTick
	})

	predictedQuery.Each(e.world, func(predicted *donburi.Entry) {
		p := PredictedComponent.Get(predicted)
		if e.world.Valid(p.Confirmed) {
			return
		}
		for _, h := range e.registry.handlers {
			h.restore(predicted, confirmedTick)
		}
	})

	for t := confirmedTick; t.Before(currentTick); {
		t = t.Add(1)
		sim.Step(e.world, t)
		e.RecordTick(t)
	}
}

// predictedEntry resolves the predicted counterpart of a confirmed entry.
// A missing counterpart means the despawn protocol was bypassed; that is
// an invariant violation, reported and skipped rather than crashed on.
func (e *Engine) predictedEntry(confirmed *donburi.Entry) (*donburi.Entry, bool) {
	conf := ConfirmedComponent.Get(confirmed)
	if !e.world.Valid(conf.Predicted) {
		e.log.WithField("entity", confirmed.Id()).
			Error("confirmed entity has no live predicted counterpart")
		return nil, false
	}
	return e.world.Entry(conf.Predicted), true
}

// Pair creates the predicted counterpart for a confirmed entity, copying
// the confirmed values of every registered component and seeding their
// histories at tick t. Returns the predicted entity.
func (e *Engine) Pair(confirmed donburi.Entity, t tick.Tick) donburi.Entity {
	predicted := e.world.Create(PredictedComponent)
	predictedEntry := e.world.Entry(predicted)
	PredictedComponent.SetValue(predictedEntry, Predicted{Confirmed: confirmed})

	confirmedEntry := e.world.Entry(confirmed)
	if !confirmedEntry.HasComponent(ConfirmedComponent) {
		confirmedEntry.AddComponent(ConfirmedComponent)
	}
	ConfirmedComponent.SetValue(confirmedEntry, Confirmed{Predicted: predicted, Tick: t})

	for _, h := range e.registry.handlers {
		h.snap(confirmedEntry, predictedEntry, t)
	}

	return predicted
}

// DespawnPredicted speculatively despawns a predicted entity: the entity
// stays alive carrying only its identity and histories, so a rollback that
// decides it should still exist can resurrect it. The marker ages out via
// Collect.
func (e *Engine) DespawnPredicted(entity donburi.Entity, t tick.Tick) {
	if !e.world.Valid(entity) {
		return
	}
	entry := e.world.Entry(entity)

	if !entry.HasComponent(PendingDespawnComponent) {
		entry.AddComponent(PendingDespawnComponent)
	}
	PendingDespawnComponent.SetValue(entry, PendingDespawn{Tick: t})

	for _, h := range e.registry.handlers {
		h.strip(entry)
	}
}

// DespawnConfirmed tears down a confirmed entity and its predicted
// counterpart unconditionally. Confirmed despawns are authoritative; there
// is no resurrection path.
func (e *Engine) DespawnConfirmed(entity donburi.Entity) {
	if !e.world.Valid(entity) {
		return
	}
	entry := e.world.Entry(entity)

	if entry.HasComponent(ConfirmedComponent) {
		conf := ConfirmedComponent.Get(entry)
		if e.world.Valid(conf.Predicted) {
			e.world.Entry(conf.Predicted).Remove()
		}
	}
	entry.Remove()
}

// Collect garbage-collects pending despawns and unmatched pre-spawned
// entities older than the retention window. Call once per tick.
func (e *Engine) Collect(current tick.Tick) {
	var expired []donburi.Entity
	predictedQuery.Each(e.world, func(entry *donburi.Entry) {
		if entry.HasComponent(PendingDespawnComponent) {
			pending := PendingDespawnComponent.Get(entry)
			if tick.Diff(current, pending.Tick) > e.retention {
				expired = append(expired, entry.Entity())
			}
		}
	})
	for _, entity := range expired {
		e.world.Entry(entity).Remove()
	}

	e.collectPreSpawned(current)
}
