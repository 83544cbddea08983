package prediction

import (
	"github.com/leap-fish/rebound/tick"
	"github.com/yohamta/donburi"
)

// Confirmed lives on the entity mirroring server-authoritative state and
// points at its predicted counterpart. The pair is 1:1 and torn down only
// through the despawn protocol.
type Confirmed struct {
	Predicted donburi.Entity
	// Tick is the latest server tick applied to this entity.
	Tick tick.Tick
}

// Predicted lives on the speculatively simulated entity and points back at
// its confirmed counterpart. A zero Confirmed entity means the entity is
// pre-spawned and not yet matched to a server entity.
type Predicted struct {
	Confirmed donburi.Entity
}

// PendingDespawn marks a predicted entity that was despawned speculatively.
// The entity is kept (stripped of simulation components) until the marker
// ages out, so a rollback can still resurrect it.
type PendingDespawn struct {
	Tick tick.Tick
}

// PreSpawn tags a client-created predicted entity with the hash used to
// match it against a later server confirmation.
type PreSpawn struct {
	Hash uint64
	Tick tick.Tick
}

type historyStore struct {
	// histories maps component id -> *History[C] behind any; only the
	// typed handler closures built at registration reach inside.
	histories map[uint]any
}

var (
	ConfirmedComponent      = donburi.NewComponentType[Confirmed]()
	PredictedComponent      = donburi.NewComponentType[Predicted]()
	PendingDespawnComponent = donburi.NewComponentType[PendingDespawn]()
	PreSpawnComponent       = donburi.NewComponentType[PreSpawn]()

	historyStoreComponent = donburi.NewComponentType[historyStore]()
)

func storeFor(entry *donburi.Entry) *historyStore {
	if !entry.HasComponent(historyStoreComponent) {
		donburi.Add(entry, historyStoreComponent, &historyStore{
			histories: make(map[uint]any),
		})
	}
	return historyStoreComponent.Get(entry)
}
