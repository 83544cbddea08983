package prediction

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/leap-fish/rebound/tick"
	"github.com/sirupsen/logrus"
	"github.com/yohamta/donburi"
)

// SpawnHash computes the matching hash for a pre-spawned entity from its
// spawn tick, an optional caller salt and the set of predicted component
// ids present on it. Both peers must compute it over the same inputs; the
// component ids are sorted so declaration order cannot leak in.
func SpawnHash(spawnTick tick.Tick, salt uint64, componentIds []uint) uint64 {
	ids := make([]uint, len(componentIds))
	copy(ids, componentIds)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var scratch [8]byte
	digest := xxhash.New()

	binary.LittleEndian.PutUint16(scratch[:2], uint16(spawnTick))
	_, _ = digest.Write(scratch[:2])
	binary.LittleEndian.PutUint64(scratch[:], salt)
	_, _ = digest.Write(scratch[:])
	for _, id := range ids {
		binary.LittleEndian.PutUint64(scratch[:], uint64(id))
		_, _ = digest.Write(scratch[:])
	}

	return digest.Sum64()
}

// MarkPreSpawned tags a client-created predicted entity for later matching
// against a server confirmation carrying the same hash. The hash is
// computed from the entity's current registered components and returned so
// the caller can ship it to the server.
func (e *Engine) MarkPreSpawned(entity donburi.Entity, spawnTick tick.Tick, salt uint64) uint64 {
	entry := e.world.Entry(entity)

	var ids []uint
	for _, h := range e.registry.handlers {
		if entry.HasComponent(h.ctype) {
			ids = append(ids, h.id)
		}
	}
	hash := SpawnHash(spawnTick, salt, ids)

	if !entry.HasComponent(PredictedComponent) {
		entry.AddComponent(PredictedComponent)
		PredictedComponent.SetValue(entry, Predicted{})
	}
	if !entry.HasComponent(PreSpawnComponent) {
		entry.AddComponent(PreSpawnComponent)
	}
	PreSpawnComponent.SetValue(entry, PreSpawn{Hash: hash, Tick: spawnTick})

	e.prespawn[hash] = append(e.prespawn[hash], entity)
	return hash
}

// MatchPreSpawned links a newly confirmed entity to a pre-spawned local
// entity carrying the same hash, consuming one index entry. When several
// entities share the hash the choice is arbitrary; that ambiguity is
// logged, not resolved. Returns false when no live candidate exists and a
// fresh pair should be spawned instead.
func (e *Engine) MatchPreSpawned(hash uint64, confirmed donburi.Entity, t tick.Tick) (donburi.Entity, bool) {
	candidates := e.prespawn[hash]
	if len(candidates) > 1 {
		e.log.WithFields(logrus.Fields{
			"hash":       hash,
			"candidates": len(candidates),
		}).Warn("pre-spawn hash collision, matching arbitrarily")
	}

	for len(candidates) > 0 {
		entity := candidates[0]
		candidates = candidates[1:]

		if !e.world.Valid(entity) {
			continue
		}

		if len(candidates) == 0 {
			delete(e.prespawn, hash)
		} else {
			e.prespawn[hash] = candidates
		}

		predicted := e.world.Entry(entity)
		PredictedComponent.SetValue(predicted, Predicted{Confirmed: confirmed})
		if predicted.HasComponent(PreSpawnComponent) {
			predicted.RemoveComponent(PreSpawnComponent)
		}

		confirmedEntry := e.world.Entry(confirmed)
		if !confirmedEntry.HasComponent(ConfirmedComponent) {
			confirmedEntry.AddComponent(ConfirmedComponent)
		}
		ConfirmedComponent.SetValue(confirmedEntry, Confirmed{Predicted: entity, Tick: t})

		return entity, true
	}

	delete(e.prespawn, hash)
	var none donburi.Entity
	return none, false
}

// collectPreSpawned despawns unmatched pre-spawned entities older than the
// retention window and compacts the index.
func (e *Engine) collectPreSpawned(current tick.Tick) {
	for hash, candidates := range e.prespawn {
		kept := candidates[:0]
		for _, entity := range candidates {
			if !e.world.Valid(entity) {
				continue
			}
			entry := e.world.Entry(entity)
			if !entry.HasComponent(PreSpawnComponent) {
				continue
			}
			spawn := PreSpawnComponent.Get(entry)
			if tick.Diff(current, spawn.Tick) > e.retention {
				e.log.WithField("hash", hash).
					Debug("collecting unmatched pre-spawned entity")
				entry.Remove()
				continue
			}
			kept = append(kept, entity)
		}
		if len(kept) == 0 {
			delete(e.prespawn, hash)
		} else {
			e.prespawn[hash] = kept
		}
	}
}
