// Package store defines the persistence interface for the flip ledger.
// Implementations include PostgreSQL (source of truth), a Redis read-through
// wrapper for account lookups, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flipledger/ledger-engine/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict means a unit of work lost a lock or serialization race and
	// may be retried.
	ErrConflict = errors.New("store: conflict")
)

// Cursor is a keyset position in a descending (At, ID) scan.
type Cursor struct {
	At time.Time
	ID string
}

// EventFilter selects trade events for one user. Zero values are ignored.
type EventFilter struct {
	UserID    int64
	AccountID string
	ItemID    int64
	Start     *time.Time // event timestamp >= Start
	End       *time.Time // event timestamp <= End
	Before    *Cursor
	Limit     int
}

// MatchFilter selects trade matches for one user. Zero values are ignored.
type MatchFilter struct {
	UserID    int64
	AccountID string
	ItemID    int64
	Before    *Cursor
	Limit     int
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Accounts ---

	// GetAccount returns the account for (userID, clientID) or ErrNotFound.
	GetAccount(ctx context.Context, userID int64, clientID string) (*model.Account, error)

	// CreateAccount persists a new account; ErrAlreadyExists on a duplicate pair.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// UpdateAccountUsername records the latest observed in-game name.
	UpdateAccountUsername(ctx context.Context, id, username string) error

	// --- Trade events ---

	// GetEventByExternalID looks up the dedupe key; ErrNotFound if unseen.
	GetEventByExternalID(ctx context.Context, externalID string) (*model.TradeEvent, error)

	// InsertEvent persists an event with no ledger side effects.
	// ErrAlreadyExists if the external id was inserted concurrently.
	InsertEvent(ctx context.Context, ev *model.TradeEvent) error

	// UpdateEventFill overwrites the mutable fill fields of an event unless
	// that would regress it (see model.TradeEvent.Regresses). It reports
	// whether the row changed.
	UpdateEventFill(ctx context.Context, id string, upd model.FillUpdate) (bool, error)

	// CountEventsSince counts the user's events created at or after since.
	CountEventsSince(ctx context.Context, userID int64, since time.Time) (int64, error)

	// ListEvents scans events descending by (timestamp, id).
	ListEvents(ctx context.Context, f EventFilter) ([]model.TradeEvent, error)

	// GetEventsByIDs returns the events that exist among ids, in any order.
	GetEventsByIDs(ctx context.Context, ids []string) ([]model.TradeEvent, error)

	// --- Open positions ---

	// ListPositions returns the user's open lots, optionally for one account.
	ListPositions(ctx context.Context, userID int64, accountID string) ([]model.OpenPosition, error)

	// RunInLotTx runs fn as one all-or-nothing unit of work over the open
	// lots of (accountID, itemID). Implementations serialize units for the
	// same key; fn's writes are discarded if it returns an error.
	RunInLotTx(ctx context.Context, accountID string, itemID int64, fn func(tx LotTx) error) error

	// --- Trade matches ---

	// ListMatches scans matches descending by (matched_at, id).
	ListMatches(ctx context.Context, f MatchFilter) ([]model.TradeMatch, error)

	// --- Audit ---

	InsertSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error
	InsertAdminTrade(ctx context.Context, t *model.AdminTrade) error
}

// LotTx is the view of the store inside one RunInLotTx unit of work. Only
// the ledger engine writes lots, and only through a LotTx.
type LotTx interface {
	// InsertEvent persists a new event inside the unit of work.
	InsertEvent(ctx context.Context, ev *model.TradeEvent) error

	// TransitionEvent applies upd only if the event is still in status from
	// and upd does not lower its filled quantity. It reports whether the row
	// was changed.
	TransitionEvent(ctx context.Context, id string, from model.EventStatus, upd model.FillUpdate) (bool, error)

	// Lots returns the open lots of the unit's (account, item), unordered.
	Lots(ctx context.Context) ([]model.Lot, error)

	InsertPosition(ctx context.Context, pos *model.OpenPosition) error
	UpdateLotQuantity(ctx context.Context, lotID string, qty int64) error
	DeleteLot(ctx context.Context, lotID string) error
	InsertMatch(ctx context.Context, m *model.TradeMatch) error
}
