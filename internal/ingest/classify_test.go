package ingest

import (
	"testing"

	"github.com/flipledger/ledger-engine/internal/fill"
	"github.com/flipledger/ledger-engine/internal/ledger"
	"github.com/flipledger/ledger-engine/internal/model"
)

func stored(offer model.OfferType, status model.EventStatus, filled int64) *model.TradeEvent {
	return &model.TradeEvent{OfferType: offer, Status: status, FilledQuantity: filled}
}

func sighting(offer model.OfferType, status model.EventStatus, filled int64) *fill.Fill {
	return &fill.Fill{OfferType: offer, Status: status, FilledQuantity: filled}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		existing *model.TradeEvent
		f        *fill.Fill
		want     Transition
	}{
		{"new completed buy opens lot", nil, sighting(model.OfferBuy, model.StatusCompleted, 10),
			Transition{KindNew, ledger.EffectOpenLot}},
		{"new completed buy with no fill", nil, sighting(model.OfferBuy, model.StatusCompleted, 0),
			Transition{KindNew, ledger.EffectNone}},
		{"new canceled buy", nil, sighting(model.OfferBuy, model.StatusCanceled, 5),
			Transition{KindNew, ledger.EffectNone}},
		{"new pending buy", nil, sighting(model.OfferBuy, model.StatusPending, 5),
			Transition{KindNew, ledger.EffectNone}},
		{"new completed sell matches", nil, sighting(model.OfferSell, model.StatusCompleted, 10),
			Transition{KindNew, ledger.EffectMatch}},
		{"new canceled sell with fill matches", nil, sighting(model.OfferSell, model.StatusCanceled, 3),
			Transition{KindNew, ledger.EffectMatch}},
		{"new canceled sell without fill", nil, sighting(model.OfferSell, model.StatusCanceled, 0),
			Transition{KindNew, ledger.EffectNone}},
		{"new pending sell", nil, sighting(model.OfferSell, model.StatusPending, 3),
			Transition{KindNew, ledger.EffectNone}},

		{"pending sell completes", stored(model.OfferSell, model.StatusPending, 0), sighting(model.OfferSell, model.StatusCompleted, 100),
			Transition{KindTransition, ledger.EffectMatch}},
		{"pending sell cancels with fill", stored(model.OfferSell, model.StatusPending, 0), sighting(model.OfferSell, model.StatusCanceled, 40),
			Transition{KindTransition, ledger.EffectMatch}},
		{"pending sell cancels unfilled", stored(model.OfferSell, model.StatusPending, 0), sighting(model.OfferSell, model.StatusCanceled, 0),
			Transition{KindUpdate, ledger.EffectNone}},
		{"completed sell reported again", stored(model.OfferSell, model.StatusCompleted, 100), sighting(model.OfferSell, model.StatusCompleted, 100),
			Transition{KindUpdate, ledger.EffectNone}},
		{"pending buy completes", stored(model.OfferBuy, model.StatusPending, 10), sighting(model.OfferBuy, model.StatusCompleted, 40),
			Transition{KindTransition, ledger.EffectOpenLot}},
		{"pending buy cancels", stored(model.OfferBuy, model.StatusPending, 10), sighting(model.OfferBuy, model.StatusCanceled, 10),
			Transition{KindUpdate, ledger.EffectNone}},
		{"pending fill increases", stored(model.OfferSell, model.StatusPending, 10), sighting(model.OfferSell, model.StatusPending, 20),
			Transition{KindUpdate, ledger.EffectNone}},
		{"offer type taken from stored event", stored(model.OfferBuy, model.StatusPending, 0), sighting(model.OfferSell, model.StatusCompleted, 5),
			Transition{KindTransition, ledger.EffectOpenLot}},

		{"lower fill is stale", stored(model.OfferSell, model.StatusPending, 30), sighting(model.OfferSell, model.StatusPending, 10),
			Transition{KindStale, ledger.EffectNone}},
		{"terminal back to pending is stale", stored(model.OfferSell, model.StatusCompleted, 30), sighting(model.OfferSell, model.StatusPending, 30),
			Transition{KindStale, ledger.EffectNone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.existing, tt.f)
			if got != tt.want {
				t.Errorf("expected %s/%s, got %s/%s", tt.want.Kind, tt.want.Effect, got.Kind, got.Effect)
			}
		})
	}
}
