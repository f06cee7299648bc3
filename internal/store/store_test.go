package store

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/model"
)

// testStore runs the behavior every Store implementation must share. Ids
// are random so the suite can run against a database that keeps rows.
func testStore(t *testing.T, st Store) {
	t.Run("account uniqueness", func(t *testing.T) { testAccounts(t, st) })
	t.Run("fill updates are monotonic", func(t *testing.T) { testMonotonicFill(t, st) })
	t.Run("lot unit commits", func(t *testing.T) { testLotTxCommit(t, st) })
	t.Run("lot unit rolls back on error", func(t *testing.T) { testLotTxRollback(t, st) })
	t.Run("transition is guarded", func(t *testing.T) { testTransitionGuard(t, st) })
	t.Run("event keyset scan", func(t *testing.T) { testEventKeyset(t, st) })
	t.Run("events by ids", func(t *testing.T) { testEventsByIDs(t, st) })
}

var storeBase = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newUser() int64 { return rand.Int63n(1<<40) + 1 }

func seedAccount(t *testing.T, st Store, userID int64) *model.Account {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &model.Account{ID: uuid.NewString(), UserID: userID, ClientID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	if err := st.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func newStoreEvent(a *model.Account, offer model.OfferType, status model.EventStatus, qty, filled int64, at time.Time) *model.TradeEvent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.TradeEvent{
		ID:                uuid.NewString(),
		ExternalEventID:   uuid.NewString(),
		AccountID:         a.ID,
		UserID:            a.UserID,
		ItemID:            4151,
		ItemName:          "Abyssal whip",
		OfferType:         offer,
		Price:             1000,
		Quantity:          qty,
		FilledQuantity:    filled,
		RemainingQuantity: qty - filled,
		Status:            status,
		Timestamp:         at,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func testAccounts(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())

	dup := *a
	dup.ID = uuid.NewString()
	if err := st.CreateAccount(ctx, &dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := st.UpdateAccountUsername(ctx, a.ID, "Zezima"); err != nil {
		t.Fatalf("update username: %v", err)
	}
	got, err := st.GetAccount(ctx, a.UserID, a.ClientID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Username == nil || *got.Username != "Zezima" {
		t.Errorf("expected username Zezima, got %v", got.Username)
	}

	if _, err := st.GetAccount(ctx, a.UserID, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMonotonicFill(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())
	ev := newStoreEvent(a, model.OfferSell, model.StatusPending, 100, 30, storeBase)
	if err := st.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.InsertEvent(ctx, ev); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate external id, got %v", err)
	}

	steps := []struct {
		name    string
		upd     model.FillUpdate
		changed bool
	}{
		{"lower fill", model.FillUpdate{FilledQuantity: 10, RemainingQuantity: 90, Status: model.StatusPending}, false},
		{"higher fill", model.FillUpdate{FilledQuantity: 60, RemainingQuantity: 40, Status: model.StatusPending}, true},
		{"terminal", model.FillUpdate{FilledQuantity: 60, RemainingQuantity: 40, Status: model.StatusCanceled}, true},
		{"back to pending", model.FillUpdate{FilledQuantity: 60, RemainingQuantity: 40, Status: model.StatusPending}, false},
	}
	for _, step := range steps {
		changed, err := st.UpdateEventFill(ctx, ev.ID, step.upd)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if changed != step.changed {
			t.Errorf("%s: expected changed=%v, got %v", step.name, step.changed, changed)
		}
	}

	got, err := st.GetEventByExternalID(ctx, ev.ExternalEventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FilledQuantity != 60 || got.Status != model.StatusCanceled {
		t.Errorf("expected 60 canceled, got %d %s", got.FilledQuantity, got.Status)
	}
}

func testLotTxCommit(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())
	buy := newStoreEvent(a, model.OfferBuy, model.StatusCompleted, 10, 10, storeBase)
	sell := newStoreEvent(a, model.OfferSell, model.StatusCompleted, 4, 4, storeBase.Add(time.Minute))
	now := time.Now().UTC().Truncate(time.Microsecond)
	lot := &model.OpenPosition{
		ID: uuid.NewString(), UserID: a.UserID, AccountID: a.ID, ItemID: buy.ItemID,
		BuyEventID: buy.ID, Quantity: 10, AverageBuyPrice: buy.Price, CreatedAt: now, UpdatedAt: now,
	}

	err := st.RunInLotTx(ctx, a.ID, buy.ItemID, func(tx LotTx) error {
		if err := tx.InsertEvent(ctx, buy); err != nil {
			return err
		}
		return tx.InsertPosition(ctx, lot)
	})
	if err != nil {
		t.Fatalf("open lot: %v", err)
	}

	err = st.RunInLotTx(ctx, a.ID, buy.ItemID, func(tx LotTx) error {
		lots, err := tx.Lots(ctx)
		if err != nil {
			return err
		}
		if len(lots) != 1 || !lots[0].BuyTimestamp.Equal(storeBase) {
			t.Errorf("expected one lot stamped with the buy time, got %+v", lots)
		}
		if err := tx.InsertEvent(ctx, sell); err != nil {
			return err
		}
		if err := tx.UpdateLotQuantity(ctx, lot.ID, 6); err != nil {
			return err
		}
		return tx.InsertMatch(ctx, &model.TradeMatch{
			ID: uuid.NewString(), UserID: a.UserID, AccountID: a.ID, ItemID: buy.ItemID,
			BuyEventID: buy.ID, SellEventID: sell.ID, BuyPrice: 1000, SellPrice: 1000,
			Quantity: 4, MatchedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	positions, err := st.ListPositions(ctx, a.UserID, a.ID)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != 6 {
		t.Errorf("expected lot with 6 left, got %+v", positions)
	}
	matches, err := st.ListMatches(ctx, MatchFilter{UserID: a.UserID})
	if err != nil {
		t.Fatalf("list matches: %v", err)
	}
	if len(matches) != 1 || matches[0].SellEventID != sell.ID {
		t.Errorf("expected one match for the sell, got %+v", matches)
	}
}

func testLotTxRollback(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())
	buy := newStoreEvent(a, model.OfferBuy, model.StatusCompleted, 10, 10, storeBase)
	boom := errors.New("boom")

	err := st.RunInLotTx(ctx, a.ID, buy.ItemID, func(tx LotTx) error {
		if err := tx.InsertEvent(ctx, buy); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := st.GetEventByExternalID(ctx, buy.ExternalEventID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back event to be absent, got %v", err)
	}
}

func testTransitionGuard(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())
	ev := newStoreEvent(a, model.OfferSell, model.StatusPending, 10, 0, storeBase)
	if err := st.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	done := model.FillUpdate{FilledQuantity: 10, Status: model.StatusCompleted}
	var results []bool
	for i := 0; i < 2; i++ {
		err := st.RunInLotTx(ctx, a.ID, ev.ItemID, func(tx LotTx) error {
			ok, err := tx.TransitionEvent(ctx, ev.ID, model.StatusPending, done)
			results = append(results, ok)
			return err
		})
		if err != nil {
			t.Fatalf("transition %d: %v", i, err)
		}
	}
	if !results[0] || results[1] {
		t.Errorf("expected only the first transition to apply, got %v", results)
	}
}

func testEventKeyset(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())
	for i := 0; i < 3; i++ {
		// Same reported timestamp: ordering falls back to id.
		if err := st.InsertEvent(ctx, newStoreEvent(a, model.OfferBuy, model.StatusPending, 5, 0, storeBase)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	all, err := st.ListEvents(ctx, EventFilter{UserID: a.UserID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if !(all[0].ID > all[1].ID && all[1].ID > all[2].ID) {
		t.Errorf("expected descending ids at equal timestamps")
	}

	rest, err := st.ListEvents(ctx, EventFilter{
		UserID: a.UserID,
		Before: &Cursor{At: all[0].Timestamp, ID: all[0].ID},
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("list after cursor: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != all[1].ID {
		t.Errorf("expected the two events after the cursor, got %d", len(rest))
	}
}

func testEventsByIDs(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedAccount(t, st, newUser())
	var ids []string
	for i := 0; i < 2; i++ {
		ev := newStoreEvent(a, model.OfferBuy, model.StatusPending, 5, 0, storeBase)
		if err := st.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, ev.ID)
	}

	got, err := st.GetEventsByIDs(ctx, append(ids, uuid.NewString()))
	if err != nil {
		t.Fatalf("get by ids: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the 2 stored events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.ID != ids[0] && ev.ID != ids[1] {
			t.Errorf("unexpected event %s", ev.ID)
		}
	}
}
