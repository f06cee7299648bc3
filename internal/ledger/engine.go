package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/metrics"
	"github.com/flipledger/ledger-engine/internal/model"
	"github.com/flipledger/ledger-engine/internal/store"
)

// ErrMatchConflict is returned when a ledger pass keeps losing its lock or
// serialization race after all retries.
var ErrMatchConflict = errors.New("ledger: pass conflicted after retries")

// Effect is the ledger side effect of an ingested event.
type Effect int

const (
	EffectNone    Effect = iota
	EffectOpenLot        // completed buy: open one lot
	EffectMatch          // settled sell: run FIFO matching
)

func (e Effect) String() string {
	switch e {
	case EffectOpenLot:
		return "open_lot"
	case EffectMatch:
		return "match"
	default:
		return "none"
	}
}

// RetryConfig bounds conflict retries with exponential backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    250 * time.Millisecond,
}

// Outcome reports what one pass wrote.
type Outcome struct {
	// Applied is false when a guarded transition found the event already
	// moved out of pending; nothing was written in that case.
	Applied   bool
	Lot       *model.OpenPosition
	Matches   []model.TradeMatch
	Unmatched int64
}

// Engine owns every write to open lots. Each pass runs under the Locker and
// inside one store unit of work for its (account, item), so two sells for the
// same key can never consume the same lot quantity.
type Engine struct {
	store  store.Store
	locker Locker
	retry  RetryConfig
	now    func() time.Time
}

// NewEngine creates an engine. A nil locker falls back to an in-process
// KeyedMutex.
func NewEngine(st store.Store, locker Locker, retry RetryConfig) *Engine {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetry.MaxAttempts
	}
	return &Engine{
		store:  st,
		locker: locker,
		retry:  retry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record inserts a new event and applies its effect atomically.
// store.ErrAlreadyExists is returned untouched when the external id was
// inserted concurrently, so the caller can re-read and treat it as an update.
func (e *Engine) Record(ctx context.Context, ev *model.TradeEvent, effect Effect) (*Outcome, error) {
	return e.run(ctx, ev, effect, func(ctx context.Context, tx store.LotTx) (bool, error) {
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Transition moves existing out of pending and applies effect exactly once.
// If another request already made the transition, nothing is written and
// Outcome.Applied is false.
func (e *Engine) Transition(ctx context.Context, existing *model.TradeEvent, upd model.FillUpdate, effect Effect) (*Outcome, error) {
	ev := *existing
	ev.FilledQuantity = upd.FilledQuantity
	ev.RemainingQuantity = upd.RemainingQuantity
	ev.Status = upd.Status

	return e.run(ctx, &ev, effect, func(ctx context.Context, tx store.LotTx) (bool, error) {
		return tx.TransitionEvent(ctx, existing.ID, model.StatusPending, upd)
	})
}

func (e *Engine) run(ctx context.Context, ev *model.TradeEvent, effect Effect, write func(context.Context, store.LotTx) (bool, error)) (*Outcome, error) {
	start := time.Now()
	key := fmt.Sprintf("%s:%d", ev.AccountID, ev.ItemID)
	delay := e.retry.BaseDelay

	for attempt := 1; ; attempt++ {
		out, err := e.once(ctx, key, ev, effect, write)
		if err == nil {
			metrics.LedgerPassLatency.WithLabelValues(effect.String()).Observe(time.Since(start).Seconds())
			observe(out)
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if attempt >= e.retry.MaxAttempts {
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrMatchConflict, key, attempt, err)
		}

		metrics.ConflictRetries.Inc()
		slog.Debug("ledger pass conflict, retrying", "key", key, "attempt", attempt, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if e.retry.MaxDelay > 0 && delay > e.retry.MaxDelay {
			delay = e.retry.MaxDelay
		}
	}
}

func (e *Engine) once(ctx context.Context, key string, ev *model.TradeEvent, effect Effect, write func(context.Context, store.LotTx) (bool, error)) (*Outcome, error) {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	var out *Outcome
	err = e.store.RunInLotTx(ctx, ev.AccountID, ev.ItemID, func(tx store.LotTx) error {
		out = &Outcome{}
		applied, err := write(ctx, tx)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		out.Applied = true
		return e.apply(ctx, tx, ev, effect, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) apply(ctx context.Context, tx store.LotTx, ev *model.TradeEvent, effect Effect, out *Outcome) error {
	now := e.now()

	switch effect {
	case EffectOpenLot:
		if ev.FilledQuantity <= 0 {
			return nil
		}
		lot := &model.OpenPosition{
			ID:              uuid.New().String(),
			UserID:          ev.UserID,
			AccountID:       ev.AccountID,
			ItemID:          ev.ItemID,
			BuyEventID:      ev.ID,
			Quantity:        ev.FilledQuantity,
			AverageBuyPrice: ev.Price,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertPosition(ctx, lot); err != nil {
			return err
		}
		out.Lot = lot

	case EffectMatch:
		if ev.FilledQuantity <= 0 {
			return nil
		}
		lots, err := tx.Lots(ctx)
		if err != nil {
			return err
		}
		plan := PlanMatches(SellFromEvent(ev), lots, now)
		for i := range plan.Matches {
			plan.Matches[i].ID = uuid.New().String()
			if err := tx.InsertMatch(ctx, &plan.Matches[i]); err != nil {
				return err
			}
		}
		for _, c := range plan.Changes {
			if c.Quantity == 0 {
				err = tx.DeleteLot(ctx, c.LotID)
			} else {
				err = tx.UpdateLotQuantity(ctx, c.LotID, c.Quantity)
			}
			if err != nil {
				return err
			}
		}
		out.Matches = plan.Matches
		out.Unmatched = plan.Unmatched
	}
	return nil
}

// observe records metrics for a committed pass.
func observe(out *Outcome) {
	if out.Lot != nil {
		metrics.LotsOpened.Inc()
	}
	for _, m := range out.Matches {
		metrics.MatchesRecorded.Inc()
		metrics.MatchedQuantity.Add(float64(m.Quantity))
		metrics.RealizedProfit.Add(float64(m.Profit))
	}
	if out.Unmatched > 0 {
		metrics.UnmatchedQuantity.Add(float64(out.Unmatched))
	}
}
