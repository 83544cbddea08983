package prediction

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/yohamta/donburi"

	"github.com/leap-fish/rebound/tick"
)

type correctionKey struct {
	entity donburi.Entity
	id     uint
}

type correctionState struct {
	from any
	to   any
}

// captureCorrections snapshots, for every component with a correction
// blend, the value about to be overwritten by a rollback snap so the
// render layer can ease toward the corrected value instead of popping.
func (e *Engine) captureCorrections(predicted, confirmed *donburi.Entry, confirmedTick tick.Tick) {
	for _, h := range e.registry.handlers {
		if h.blend == nil {
			continue
		}
		from, okFrom := h.value(predicted)
		to, okTo := h.value(confirmed)
		if !okFrom || !okTo {
			continue
		}
		e.corrections[correctionKey{entity: predicted.Entity(), id: h.id}] = correctionState{
			from: from,
			to:   to,
		}
	}
}

// CorrectionValue returns the blended visual value for a corrected
// component at blend progress alpha in [0, 1]. It is purely cosmetic: the
// predicted state itself was already snapped and never reads this back.
func (e *Engine) CorrectionValue(entity donburi.Entity, componentId uint, alpha float64) (any, bool) {
	state, ok := e.corrections[correctionKey{entity: entity, id: componentId}]
	if !ok {
		return nil, false
	}
	h, ok := e.registry.byId[componentId]
	if !ok || h.blend == nil {
		return nil, false
	}
	if alpha >= 1 {
		e.ClearCorrection(entity, componentId)
		return state.to, true
	}
	return h.blend(state.from, state.to, alpha), true
}

// ClearCorrection drops the correction state for one component.
func (e *Engine) ClearCorrection(entity donburi.Entity, componentId uint) {
	delete(e.corrections, correctionKey{entity: entity, id: componentId})
}

// ClearCorrections drops all correction state for an entity, used when it
// despawns.
func (e *Engine) ClearCorrections(entity donburi.Entity) {
	for key := range e.corrections {
		if key.entity == entity {
			delete(e.corrections, key)
		}
	}
}

// LerpVec2 linearly interpolates between two mgl64 vectors; a ready-made
// correction blend for 2d position components.
func LerpVec2(from, to mgl64.Vec2, alpha float64) mgl64.Vec2 {
	return from.Add(to.Sub(from).Mul(alpha))
}

// LerpVec3 linearly interpolates between two mgl64 vectors.
func LerpVec3(from, to mgl64.Vec3, alpha float64) mgl64.Vec3 {
	return from.Add(to.Sub(from).Mul(alpha))
}

// EpsilonVec2 returns a comparer that treats vectors within eps per axis as
// equal, for use as a ComponentConfig comparer on float-carrying
// components where exact structural equality would rollback on noise.
func EpsilonVec2(eps float64) func(a, b mgl64.Vec2) bool {
	return func(a, b mgl64.Vec2) bool {
		return mgl64.FloatEqualThreshold(a[0], b[0], eps) &&
			mgl64.FloatEqualThreshold(a[1], b[1], eps)
	}
}
