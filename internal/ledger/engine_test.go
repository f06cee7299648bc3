package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/model"
	"github.com/flipledger/ledger-engine/internal/store"
)

func newEvent(offer model.OfferType, status model.EventStatus, price, qty, filled int64, at time.Time) *model.TradeEvent {
	now := time.Now().UTC()
	return &model.TradeEvent{
		ID:                uuid.New().String(),
		ExternalEventID:   uuid.New().String(),
		AccountID:         "acct-1",
		UserID:            7,
		ItemID:            4151,
		ItemName:          "Abyssal whip",
		OfferType:         offer,
		Price:             price,
		Quantity:          qty,
		FilledQuantity:    filled,
		RemainingQuantity: qty - filled,
		Status:            status,
		Timestamp:         at,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func openQuantity(t *testing.T, st store.Store) int64 {
	t.Helper()
	lots, err := st.ListPositions(context.Background(), 7, "acct-1")
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	var total int64
	for _, l := range lots {
		total += l.Quantity
	}
	return total
}

func TestEngine_BuyThenSell(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, nil, fastRetry())
	ctx := context.Background()

	buyA := newEvent(model.OfferBuy, model.StatusCompleted, 100, 100, 100, t0)
	buyB := newEvent(model.OfferBuy, model.StatusCompleted, 110, 50, 50, t0.Add(time.Minute))
	for _, b := range []*model.TradeEvent{buyA, buyB} {
		out, err := eng.Record(ctx, b, EffectOpenLot)
		if err != nil {
			t.Fatalf("record buy: %v", err)
		}
		if out.Lot == nil || out.Lot.Quantity != b.FilledQuantity {
			t.Fatalf("expected lot of %d, got %+v", b.FilledQuantity, out.Lot)
		}
	}

	s := newEvent(model.OfferSell, model.StatusCompleted, 150, 120, 120, t0.Add(2*time.Minute))
	out, err := eng.Record(ctx, s, EffectMatch)
	if err != nil {
		t.Fatalf("record sell: %v", err)
	}
	if len(out.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(out.Matches))
	}
	if out.Matches[0].Profit != 5000 || out.Matches[1].Profit != 800 {
		t.Errorf("unexpected profits %d, %d", out.Matches[0].Profit, out.Matches[1].Profit)
	}
	for _, m := range out.Matches {
		if m.ID == "" {
			t.Error("expected match id to be assigned")
		}
	}

	lots, _ := st.ListPositions(ctx, 7, "acct-1")
	if len(lots) != 1 || lots[0].BuyEventID != buyB.ID || lots[0].Quantity != 30 {
		t.Errorf("expected only buy B's lot at 30, got %+v", lots)
	}

	stored, _ := st.ListMatches(ctx, store.MatchFilter{UserID: 7})
	if len(stored) != 2 {
		t.Errorf("expected 2 stored matches, got %d", len(stored))
	}
}

func TestEngine_LosingSellRecorded(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, nil, fastRetry())
	ctx := context.Background()

	buy := newEvent(model.OfferBuy, model.StatusCompleted, 100, 100, 100, t0)
	if _, err := eng.Record(ctx, buy, EffectOpenLot); err != nil {
		t.Fatalf("record buy: %v", err)
	}

	s := newEvent(model.OfferSell, model.StatusCompleted, 50, 100, 100, t0.Add(time.Minute))
	out, err := eng.Record(ctx, s, EffectMatch)
	if err != nil {
		t.Fatalf("record losing sell: %v", err)
	}
	if len(out.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(out.Matches))
	}
	m := out.Matches[0]
	if m.Profit != -5000 || m.ProfitAfterTax != -4900 || m.ROI != -500000 {
		t.Errorf("expected -5000/-4900/-500000, got %d/%d/%d", m.Profit, m.ProfitAfterTax, m.ROI)
	}

	stored, _ := st.ListMatches(ctx, store.MatchFilter{UserID: 7})
	if len(stored) != 1 || stored[0].Profit != -5000 {
		t.Errorf("expected the loss to be stored, got %+v", stored)
	}
	if q := openQuantity(t, st); q != 0 {
		t.Errorf("expected lot to be consumed, open quantity %d", q)
	}
}

func TestEngine_SellWithoutLots(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, nil, fastRetry())

	s := newEvent(model.OfferSell, model.StatusCompleted, 150, 10, 10, t0)
	out, err := eng.Record(context.Background(), s, EffectMatch)
	if err != nil {
		t.Fatalf("record sell: %v", err)
	}
	if len(out.Matches) != 0 || out.Unmatched != 10 {
		t.Errorf("expected 10 unmatched and no matches, got %+v", out)
	}
	if _, err := st.GetEventByExternalID(context.Background(), s.ExternalEventID); err != nil {
		t.Errorf("sell event should still be stored: %v", err)
	}
}

func TestEngine_ZeroFillBuyOpensNothing(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, nil, fastRetry())

	b := newEvent(model.OfferBuy, model.StatusCompleted, 100, 10, 0, t0)
	out, err := eng.Record(context.Background(), b, EffectOpenLot)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out.Lot != nil {
		t.Errorf("expected no lot for zero fill, got %+v", out.Lot)
	}
}

func TestEngine_DuplicateRecord(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, nil, fastRetry())
	ctx := context.Background()

	b := newEvent(model.OfferBuy, model.StatusCompleted, 100, 10, 10, t0)
	if _, err := eng.Record(ctx, b, EffectOpenLot); err != nil {
		t.Fatalf("record: %v", err)
	}

	dup := *b
	dup.ID = uuid.New().String()
	if _, err := eng.Record(ctx, &dup, EffectOpenLot); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if q := openQuantity(t, st); q != 10 {
		t.Errorf("duplicate must not open a second lot, open quantity %d", q)
	}
}

func TestEngine_TransitionAppliesOnce(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, nil, fastRetry())
	ctx := context.Background()

	buy := newEvent(model.OfferBuy, model.StatusCompleted, 100, 10, 10, t0)
	if _, err := eng.Record(ctx, buy, EffectOpenLot); err != nil {
		t.Fatalf("record buy: %v", err)
	}

	pending := newEvent(model.OfferSell, model.StatusPending, 120, 10, 4, t0.Add(time.Minute))
	if _, err := eng.Record(ctx, pending, EffectNone); err != nil {
		t.Fatalf("record pending sell: %v", err)
	}

	upd := model.FillUpdate{FilledQuantity: 10, RemainingQuantity: 0, Status: model.StatusCompleted}
	out, err := eng.Transition(ctx, pending, upd, EffectMatch)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !out.Applied || len(out.Matches) != 1 || out.Matches[0].Quantity != 10 {
		t.Fatalf("expected one full match, got %+v", out)
	}

	again, err := eng.Transition(ctx, pending, upd, EffectMatch)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if again.Applied || len(again.Matches) != 0 {
		t.Errorf("second transition must be a no-op, got %+v", again)
	}

	stored, _ := st.GetEventByExternalID(ctx, pending.ExternalEventID)
	if stored.Status != model.StatusCompleted || stored.FilledQuantity != 10 {
		t.Errorf("expected stored completed/10, got %s/%d", stored.Status, stored.FilledQuantity)
	}
	matches, _ := st.ListMatches(ctx, store.MatchFilter{UserID: 7})
	if len(matches) != 1 {
		t.Errorf("expected exactly 1 match stored, got %d", len(matches))
	}
}

func TestEngine_ConcurrentSellsNeverDoubleSpend(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, NewKeyedMutex(), fastRetry())
	ctx := context.Background()

	buy := newEvent(model.OfferBuy, model.StatusCompleted, 100, 100, 100, t0)
	if _, err := eng.Record(ctx, buy, EffectOpenLot); err != nil {
		t.Fatalf("record buy: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newEvent(model.OfferSell, model.StatusCompleted, 150, 20, 20, t0.Add(time.Duration(i+1)*time.Second))
			if _, err := eng.Record(ctx, s, EffectMatch); err != nil {
				t.Errorf("sell %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	matches, _ := st.ListMatches(ctx, store.MatchFilter{UserID: 7})
	var matched int64
	for _, m := range matches {
		matched += m.Quantity
	}
	if matched != 100 {
		t.Errorf("expected exactly 100 matched, got %d", matched)
	}
	if q := openQuantity(t, st); q != 0 {
		t.Errorf("expected lot exhausted, %d open", q)
	}
}

// flakyLocker fails the first n acquisitions with a conflict.
type flakyLocker struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyLocker) Lock(_ context.Context, key string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, fmt.Errorf("held %s: %w", key, store.ErrConflict)
	}
	return func() {}, nil
}

func TestEngine_RetriesConflict(t *testing.T) {
	st := store.NewMemoryStore()
	locker := &flakyLocker{fails: 2}
	eng := NewEngine(st, locker, fastRetry())

	b := newEvent(model.OfferBuy, model.StatusCompleted, 100, 5, 5, t0)
	out, err := eng.Record(context.Background(), b, EffectOpenLot)
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if out.Lot == nil {
		t.Error("expected lot to be opened")
	}
	if locker.calls != 3 {
		t.Errorf("expected 3 lock attempts, got %d", locker.calls)
	}
}

func TestEngine_RetriesExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	locker := &flakyLocker{fails: 100}
	eng := NewEngine(st, locker, fastRetry())

	b := newEvent(model.OfferBuy, model.StatusCompleted, 100, 5, 5, t0)
	_, err := eng.Record(context.Background(), b, EffectOpenLot)
	if !errors.Is(err, ErrMatchConflict) {
		t.Fatalf("expected ErrMatchConflict, got %v", err)
	}
	if locker.calls != 3 {
		t.Errorf("expected 3 lock attempts, got %d", locker.calls)
	}
	if _, err := st.GetEventByExternalID(context.Background(), b.ExternalEventID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed pass must write nothing, got %v", err)
	}
}

func TestEngine_NonConflictErrorNotRetried(t *testing.T) {
	st := store.NewMemoryStore()
	boom := errors.New("boom")
	locker := &failingLocker{err: boom}
	eng := NewEngine(st, locker, fastRetry())

	_, err := eng.Record(context.Background(), newEvent(model.OfferBuy, model.StatusCompleted, 1, 1, 1, t0), EffectOpenLot)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if locker.calls != 1 {
		t.Errorf("expected a single attempt, got %d", locker.calls)
	}
}

type failingLocker struct {
	err   error
	calls int
}

func (f *failingLocker) Lock(context.Context, string) (func(), error) {
	f.calls++
	return nil, f.err
}

func TestEffect_String(t *testing.T) {
	tests := map[Effect]string{EffectNone: "none", EffectOpenLot: "open_lot", EffectMatch: "match"}
	for e, want := range tests {
		if e.String() != want {
			t.Errorf("expected %q, got %q", want, e.String())
		}
	}
}
