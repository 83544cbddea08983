package prediction

import (
	"fmt"
	"reflect"

	"github.com/leap-fish/rebound/tick"
	"github.com/yohamta/donburi"
)

// ComponentConfig tunes how one component type is predicted.
type ComponentConfig[C any] struct {
	// Comparer overrides the equality used by the rollback check. The
	// default is structural (reflect.DeepEqual); float-carrying components
	// usually want an epsilon comparer instead.
	Comparer func(a, b C) bool

	// Correction, when set, blends the pre-rollback visual value toward
	// the corrected one over subsequent frames. Cosmetic only; it never
	// feeds back into the predicted state.
	Correction func(from, to C, alpha float64) C
}

// handler is the type-erased vtable for one predicted component type. All
// typed access happens inside closures built by RegisterComponent; nothing
// here touches raw pointers.
type handler struct {
	id    uint
	ctype donburi.IComponentType

	record         func(predicted *donburi.Entry, t tick.Tick)
	shouldRollback func(confirmed, predicted *donburi.Entry, confirmedTick tick.Tick) bool
	snap           func(confirmed, predicted *donburi.Entry, confirmedTick tick.Tick)
	restore        func(predicted *donburi.Entry, confirmedTick tick.Tick)
	prune          func(predicted *donburi.Entry, t tick.Tick)
	strip          func(predicted *donburi.Entry)

	value func(entry *donburi.Entry) (any, bool)
	blend func(from, to any, alpha float64) any
}

// Registry is the explicit configuration object listing every component
// type under prediction. Build it once at startup and hand it to the
// Engine; there is no ambient global registry.
type Registry struct {
	handlers []*handler
	byId     map[uint]*handler
}

func NewRegistry() *Registry {
	return &Registry{byId: make(map[uint]*handler)}
}

// RegisterComponent puts component type C under prediction with wire id id.
// Registering the same id twice is a configuration error and panics.
func RegisterComponent[C any](r *Registry, id uint, ctype *donburi.ComponentType[C], cfg ComponentConfig[C]) {
	if _, exists := r.byId[id]; exists {
		panic(fmt.Sprintf("prediction: component id %d registered twice", id))
	}

	equal := cfg.Comparer
	if equal == nil {
		equal = func(a, b C) bool { return reflect.DeepEqual(a, b) }
	}

	histFor := func(entry *donburi.Entry) *History[C] {
		store := storeFor(entry)
		if h, ok := store.histories[id]; ok {
			return h.(*History[C])
		}
		h := &History[C]{}
		store.histories[id] = h
		return h
	}

	h := &handler{
		id:    id,
		ctype: ctype,
	}

	h.record = func(predicted *donburi.Entry, t tick.Tick) {
		hist := histFor(predicted)
		if predicted.HasComponent(ctype) {
			v := *ctype.Get(predicted)
			if last, ok := hist.Latest(); ok && last.Kind == StateUpdated && equal(last.Value, v) {
				return
			}
			hist.Add(t, v)
			return
		}
		if last, ok := hist.Latest(); ok && last.Kind != StateRemoved {
			hist.AddRemoved(t)
		}
	}

	h.shouldRollback = func(confirmed, predicted *donburi.Entry, confirmedTick tick.Tick) bool {
		hist := histFor(predicted)
		entry, ok := hist.At(confirmedTick)

		confirmedHas := confirmed != nil && confirmed.HasComponent(ctype)
		if !confirmedHas {
			// The server says the component should not exist; any live
			// history value is a divergence.
			return ok && entry.Kind == StateUpdated
		}

		if !ok || entry.Kind == StateRemoved {
			return true
		}
		return !equal(entry.Value, *ctype.Get(confirmed))
	}

	h.snap = func(confirmed, predicted *donburi.Entry, confirmedTick tick.Tick) {
		hist := histFor(predicted)
		hist.ClearFrom(confirmedTick)

		if confirmed.HasComponent(ctype) {
			v := *ctype.Get(confirmed)
			if predicted.HasComponent(ctype) {
				ctype.SetValue(predicted, v)
			} else {
				donburi.Add(predicted, ctype, &v)
			}
			hist.Add(confirmedTick, v)
			return
		}

		if predicted.HasComponent(ctype) {
			predicted.RemoveComponent(ctype)
		}
		hist.AddRemoved(confirmedTick)
	}

	h.restore = func(predicted *donburi.Entry, confirmedTick tick.Tick) {
		hist := histFor(predicted)
		entry, ok := hist.At(confirmedTick)
		hist.ClearFrom(confirmedTick.Add(1))

		if ok && entry.Kind == StateUpdated {
			v := entry.Value
			if predicted.HasComponent(ctype) {
				ctype.SetValue(predicted, v)
			} else {
				donburi.Add(predicted, ctype, &v)
			}
			return
		}
		if predicted.HasComponent(ctype) {
			predicted.RemoveComponent(ctype)
		}
	}

	h.prune = func(predicted *donburi.Entry, t tick.Tick) {
		histFor(predicted).PopUntilTick(t)
	}

	h.strip = func(predicted *donburi.Entry) {
		if predicted.HasComponent(ctype) {
			predicted.RemoveComponent(ctype)
		}
	}

	h.value = func(entry *donburi.Entry) (any, bool) {
		if !entry.HasComponent(ctype) {
			return nil, false
		}
		return *ctype.Get(entry), true
	}

	if cfg.Correction != nil {
		blend := cfg.Correction
		h.blend = func(from, to any, alpha float64) any {
			return blend(from.(C), to.(C), alpha)
		}
	}

	r.handlers = append(r.handlers, h)
	r.byId[id] = h
}

// ComponentIds returns the registered component ids in registration order.
func (r *Registry) ComponentIds() []uint {
	ids := make([]uint, 0, len(r.handlers))
	for _, h := range r.handlers {
		ids = append(ids, h.id)
	}
	return ids
}

// ComponentType returns the donburi component type registered for id.
func (r *Registry) ComponentType(id uint) donburi.IComponentType {
	h, ok := r.byId[id]
	if !ok {
		return nil
	}
	return h.ctype
}
