// Package audit writes security events and the administrative trade mirror.
// Writes are fire-and-forget: they run in the background with their own
// timeout, and a failure is logged and dropped.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/model"
)

// Security event types.
const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventAPIError          = "api_error"
	EventIngestError       = "ingest_error"
)

// Sink persists audit records.
type Sink interface {
	InsertSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error
	InsertAdminTrade(ctx context.Context, t *model.AdminTrade) error
}

// Recorder sends audit records to a Sink without blocking the caller.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. Each write gets its own timeout,
// detached from the request context.
func NewRecorder(sink Sink, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{sink: sink, timeout: timeout}
}

// Security records a security event for userID.
func (r *Recorder) Security(userID int64, eventType string, severity string, details map[string]any) {
	ev := &model.SecurityEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		EventType: eventType,
		Severity:  severity,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	r.goWrite("security event", func(ctx context.Context) error {
		return r.sink.InsertSecurityEvent(ctx, ev)
	}, "event_type", eventType, "user_id", userID)
}

// Trade mirrors an ingested event into the admin trade log.
func (r *Recorder) Trade(ev *model.TradeEvent) {
	t := &model.AdminTrade{
		ID:              uuid.New().String(),
		UserID:          ev.UserID,
		AccountID:       ev.AccountID,
		ExternalEventID: ev.ExternalEventID,
		ItemID:          ev.ItemID,
		ItemName:        ev.ItemName,
		OfferType:       ev.OfferType,
		Price:           ev.Price,
		Quantity:        ev.Quantity,
		FilledQuantity:  ev.FilledQuantity,
		Status:          ev.Status,
		Timestamp:       ev.Timestamp,
		CreatedAt:       time.Now().UTC(),
	}
	r.goWrite("admin trade", func(ctx context.Context) error {
		return r.sink.InsertAdminTrade(ctx, t)
	}, "external_event_id", ev.ExternalEventID)
}

// Wait blocks until all in-flight writes finish. Used on shutdown and in tests.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) goWrite(what string, write func(context.Context) error, attrs ...any) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := write(ctx); err != nil {
			slog.Warn("audit write failed: "+what, append(attrs, "err", err)...)
		}
	}()
}
