// Package ingest applies batches of trade-fill events to the ledger.
//
// A batch is rate limited, its account resolved, and then each event is
// deduplicated by external id and classified into a Transition. Events are
// applied one at a time in submission order; one event's failure is reported
// in the Result and never aborts its siblings.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/account"
	"github.com/flipledger/ledger-engine/internal/audit"
	"github.com/flipledger/ledger-engine/internal/fill"
	"github.com/flipledger/ledger-engine/internal/ledger"
	"github.com/flipledger/ledger-engine/internal/metrics"
	"github.com/flipledger/ledger-engine/internal/model"
	"github.com/flipledger/ledger-engine/internal/ratelimit"
	"github.com/flipledger/ledger-engine/internal/store"
)

// ErrForeignEvent is returned when an external event id is already owned by
// another user.
var ErrForeignEvent = errors.New("ingest: external event id belongs to another user")

// Live feed message types.
const (
	FeedLotOpened     = "lot_opened"
	FeedMatchRecorded = "match_recorded"
)

// Publisher delivers ledger changes to a user's live feed. It must not block.
type Publisher interface {
	Publish(userID int64, kind string, payload any)
}

// Config tunes batch handling.
type Config struct {
	MaxBatch       int
	StorageTimeout time.Duration // per event; 0 disables
}

// Result is the per-batch outcome. Partial success is normal.
type Result struct {
	Processed int          `json:"processed"`
	Errors    []EventError `json:"errors"`
}

// EventError reports one failed event.
type EventError struct {
	ExternalEventID string `json:"external_event_id"`
	Error           string `json:"error"`
}

// Service runs the submit flow.
type Service struct {
	store    store.Store
	accounts *account.Resolver
	limiter  *ratelimit.DailyLimiter
	engine   *ledger.Engine
	audit    *audit.Recorder
	feed     Publisher
	cfg      Config
}

// NewService wires the ingest flow. feed may be nil.
func NewService(
	st store.Store,
	accounts *account.Resolver,
	limiter *ratelimit.DailyLimiter,
	engine *ledger.Engine,
	rec *audit.Recorder,
	feed Publisher,
	cfg Config,
) *Service {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = fill.DefaultMaxBatch
	}
	return &Service{
		store:    st,
		accounts: accounts,
		limiter:  limiter,
		engine:   engine,
		audit:    rec,
		feed:     feed,
		cfg:      cfg,
	}
}

// Submit processes a batch for userID. A returned error means the whole batch
// was rejected (invalid envelope, rate limit, account resolution); otherwise
// per-event failures are in Result.Errors.
func (s *Service) Submit(ctx context.Context, userID int64, b *fill.Batch) (*Result, error) {
	if err := b.Validate(s.cfg.MaxBatch); err != nil {
		return nil, err
	}

	count, err := s.limiter.Check(ctx, userID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrDailyLimitExceeded) {
			metrics.RateLimitRejections.Inc()
			s.audit.Security(userID, audit.EventRateLimitExceeded, model.SeverityMedium, map[string]any{
				"endpoint":    "trades.submit",
				"daily_count": count,
				"limit":       s.limiter.Limit(),
				"batch_size":  len(b.Trades),
			})
			slog.Warn("trade batch rate limited", "user_id", userID, "daily_count", count)
		}
		return nil, err
	}

	acct, err := s.accounts.Resolve(ctx, userID, b.ClientID, b.Username)
	if err != nil {
		s.audit.Security(userID, audit.EventAPIError, model.SeverityMedium, map[string]any{
			"endpoint":   "trades.submit",
			"error":      err.Error(),
			"client_id":  b.ClientID,
			"batch_size": len(b.Trades),
		})
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	res := &Result{Errors: []EventError{}}
	for _, raw := range b.Trades {
		f, err := fill.Decode(raw)
		if err != nil {
			metrics.EventsIngested.WithLabelValues("unknown", "invalid").Inc()
			res.Errors = append(res.Errors, EventError{ExternalEventID: fill.ExternalID(raw), Error: err.Error()})
			continue
		}

		if err := s.apply(ctx, acct, f); err != nil {
			metrics.EventsIngested.WithLabelValues(string(f.OfferType), "error").Inc()
			slog.Error("trade event failed",
				"external_event_id", f.ExternalEventID,
				"account_id", acct.ID,
				"err", err,
			)
			s.audit.Security(userID, audit.EventIngestError, model.SeverityLow, map[string]any{
				"external_event_id": f.ExternalEventID,
				"error":             err.Error(),
			})
			res.Errors = append(res.Errors, EventError{ExternalEventID: f.ExternalEventID, Error: publicError(err)})
			continue
		}
		res.Processed++
	}

	slog.Info("trade batch processed",
		"user_id", userID,
		"account_id", acct.ID,
		"processed", res.Processed,
		"failed", len(res.Errors),
	)
	return res, nil
}

// apply stores one validated fill. A lost insert race reloads the winner's
// row and applies f to it as a re-sighting.
func (s *Service) apply(ctx context.Context, acct *model.Account, f *fill.Fill) error {
	if s.cfg.StorageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StorageTimeout)
		defer cancel()
	}

	existing, err := s.lookup(ctx, f.ExternalEventID)
	if err != nil {
		return err
	}
	err = s.applyTo(ctx, acct, existing, f)
	if existing == nil && errors.Is(err, store.ErrAlreadyExists) {
		if existing, err = s.lookup(ctx, f.ExternalEventID); err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("event %s vanished after insert race: %w", f.ExternalEventID, store.ErrConflict)
		}
		return s.applyTo(ctx, acct, existing, f)
	}
	return err
}

func (s *Service) lookup(ctx context.Context, externalID string) (*model.TradeEvent, error) {
	ev, err := s.store.GetEventByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup event %s: %w", externalID, err)
	}
	return ev, nil
}

func (s *Service) applyTo(ctx context.Context, acct *model.Account, existing *model.TradeEvent, f *fill.Fill) error {
	if existing != nil && existing.UserID != acct.UserID {
		return ErrForeignEvent
	}

	t := Classify(existing, f)
	var (
		ev  *model.TradeEvent
		out *ledger.Outcome
		err error
	)

	switch t.Kind {
	case KindNew:
		ev = newEvent(acct, f)
		out, err = s.engine.Record(ctx, ev, t.Effect)
		if err != nil {
			return err
		}

	case KindTransition:
		out, err = s.engine.Transition(ctx, existing, f.Update(), t.Effect)
		if err != nil {
			return err
		}
		if !out.Applied {
			// A concurrent sighting already made the transition; only the
			// fill fields may still need updating.
			t.Kind = KindUpdate
			if _, err := s.store.UpdateEventFill(ctx, existing.ID, f.Update()); err != nil {
				return fmt.Errorf("update event %s: %w", existing.ID, err)
			}
		}
		ev = withFill(existing, f)

	case KindUpdate:
		changed, err := s.store.UpdateEventFill(ctx, existing.ID, f.Update())
		if err != nil {
			return fmt.Errorf("update event %s: %w", existing.ID, err)
		}
		if !changed {
			t.Kind = KindStale
		}
		ev = withFill(existing, f)

	case KindStale:
		ev = existing
	}

	metrics.EventsIngested.WithLabelValues(string(ev.OfferType), t.Kind.String()).Inc()
	slog.Debug("trade event ingested",
		"external_event_id", ev.ExternalEventID,
		"account_id", ev.AccountID,
		"kind", t.Kind.String(),
		"effect", t.Effect.String(),
	)

	s.audit.Trade(ev)
	s.publish(acct.UserID, out)
	return nil
}

func (s *Service) publish(userID int64, out *ledger.Outcome) {
	if s.feed == nil || out == nil {
		return
	}
	if out.Lot != nil {
		s.feed.Publish(userID, FeedLotOpened, out.Lot)
	}
	for i := range out.Matches {
		s.feed.Publish(userID, FeedMatchRecorded, out.Matches[i])
	}
}

func newEvent(acct *model.Account, f *fill.Fill) *model.TradeEvent {
	now := time.Now().UTC()
	return &model.TradeEvent{
		ID:                uuid.New().String(),
		ExternalEventID:   f.ExternalEventID,
		AccountID:         acct.ID,
		UserID:            acct.UserID,
		ItemID:            f.ItemID,
		ItemName:          f.ItemName,
		OfferType:         f.OfferType,
		Price:             f.Price,
		Quantity:          f.Quantity,
		FilledQuantity:    f.FilledQuantity,
		RemainingQuantity: f.RemainingQuantity,
		Status:            f.Status,
		Timestamp:         f.Timestamp,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func withFill(existing *model.TradeEvent, f *fill.Fill) *model.TradeEvent {
	ev := *existing
	ev.FilledQuantity = f.FilledQuantity
	ev.RemainingQuantity = f.RemainingQuantity
	ev.Status = f.Status
	return &ev
}

// publicError is the message returned to the client for a failed event.
func publicError(err error) string {
	switch {
	case errors.Is(err, fill.ErrInvalidFill), errors.Is(err, ErrForeignEvent):
		return err.Error()
	case errors.Is(err, ledger.ErrMatchConflict):
		return "ledger busy, retry the event"
	case errors.Is(err, context.DeadlineExceeded):
		return "storage timeout, retry the event"
	default:
		return "failed to process trade"
	}
}
