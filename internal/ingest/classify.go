package ingest

import (
	"github.com/flipledger/ledger-engine/internal/fill"
	"github.com/flipledger/ledger-engine/internal/ledger"
	"github.com/flipledger/ledger-engine/internal/model"
)

// Kind is how a sighting of an external event id applies to stored state.
type Kind int

const (
	// KindNew is the first sighting: insert the event.
	KindNew Kind = iota
	// KindUpdate overwrites fill fields with no ledger effect.
	KindUpdate
	// KindTransition moves a pending event to a terminal status and applies
	// its ledger effect, guarded so it happens once.
	KindTransition
	// KindStale would regress the stored event and is dropped.
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindUpdate:
		return "update"
	case KindTransition:
		return "transition"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Transition is the classified action for one validated fill.
type Transition struct {
	Kind   Kind
	Effect ledger.Effect
}

// Classify decides how f applies given the stored event, nil if unseen.
func Classify(existing *model.TradeEvent, f *fill.Fill) Transition {
	if existing == nil {
		return Transition{Kind: KindNew, Effect: effectOf(f.OfferType, f.Status, f.FilledQuantity)}
	}

	upd := f.Update()
	if existing.Regresses(upd) {
		return Transition{Kind: KindStale}
	}
	if existing.Status == model.StatusPending && upd.Status.Terminal() {
		// Offer type is fixed at first sighting.
		if effect := effectOf(existing.OfferType, upd.Status, upd.FilledQuantity); effect != ledger.EffectNone {
			return Transition{Kind: KindTransition, Effect: effect}
		}
	}
	return Transition{Kind: KindUpdate}
}

// effectOf: a completed buy opens a lot; a completed or canceled sell is
// matched. Either needs a positive fill.
func effectOf(offer model.OfferType, status model.EventStatus, filled int64) ledger.Effect {
	if filled <= 0 {
		return ledger.EffectNone
	}
	switch {
	case offer == model.OfferBuy && status == model.StatusCompleted:
		return ledger.EffectOpenLot
	case offer == model.OfferSell && status.Terminal():
		return ledger.EffectMatch
	}
	return ledger.EffectNone
}
