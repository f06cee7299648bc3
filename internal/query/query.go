// Package query serves read-only, paginated views of the ledger: trade
// history, open positions joined with their buy events, and realized matches.
//
// Pages are keyset scans ordered newest first. One extra row is fetched to
// tell whether another page exists; NextCursor is nil once exhausted.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/model"
	"github.com/flipledger/ledger-engine/internal/store"
)

// MaxLimit is both the default and the largest page size.
const MaxLimit = 100

var ErrInvalidFilter = errors.New("query: invalid filter")

// HistoryFilter selects trade events. Zero values are ignored.
type HistoryFilter struct {
	AccountID string
	ItemID    int64
	Start     *time.Time
	End       *time.Time
	Cursor    string
	Limit     int
}

// MatchFilter selects trade matches. Zero values are ignored.
type MatchFilter struct {
	AccountID string
	ItemID    int64
	Cursor    string
	Limit     int
}

// EventPage is one page of trade history.
type EventPage struct {
	Trades     []model.TradeEvent `json:"trades"`
	NextCursor *string            `json:"next_cursor"`
}

// MatchPage is one page of trade matches.
type MatchPage struct {
	Matches    []model.TradeMatch `json:"matches"`
	NextCursor *string            `json:"next_cursor"`
}

// Service runs queries for one user at a time.
type Service struct {
	store store.Store
}

// NewService creates a query service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// History returns the user's trade events, newest reported timestamp first.
func (s *Service) History(ctx context.Context, userID int64, f HistoryFilter) (*EventPage, error) {
	limit, err := pageLimit(f.Limit)
	if err != nil {
		return nil, err
	}
	if err := checkCommon(f.AccountID, f.ItemID); err != nil {
		return nil, err
	}
	if f.Start != nil && f.End != nil && f.Start.After(*f.End) {
		return nil, fmt.Errorf("%w: start is after end", ErrInvalidFilter)
	}
	before, err := optionalCursor(f.Cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListEvents(ctx, store.EventFilter{
		UserID:    userID,
		AccountID: f.AccountID,
		ItemID:    f.ItemID,
		Start:     f.Start,
		End:       f.End,
		Before:    before,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	page := &EventPage{Trades: rows}
	if len(rows) > limit {
		page.Trades = rows[:limit]
		last := page.Trades[limit-1]
		next := EncodeCursor(last.Timestamp, last.ID)
		page.NextCursor = &next
	}
	if page.Trades == nil {
		page.Trades = []model.TradeEvent{}
	}
	return page, nil
}

// OpenPositions returns the user's open lots, each with its buy event.
func (s *Service) OpenPositions(ctx context.Context, userID int64, accountID string) ([]model.PositionView, error) {
	if err := checkCommon(accountID, 0); err != nil {
		return nil, err
	}

	lots, err := s.store.ListPositions(ctx, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	views := make([]model.PositionView, 0, len(lots))
	if len(lots) == 0 {
		return views, nil
	}

	ids := make([]string, len(lots))
	for i, l := range lots {
		ids[i] = l.BuyEventID
	}
	events, err := s.store.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load buy events: %w", err)
	}
	byID := make(map[string]*model.TradeEvent, len(events))
	for i := range events {
		byID[events[i].ID] = &events[i]
	}

	for _, l := range lots {
		views = append(views, model.PositionView{Position: l, BuyEvent: byID[l.BuyEventID]})
	}
	return views, nil
}

// Matches returns the user's realized matches, newest first.
func (s *Service) Matches(ctx context.Context, userID int64, f MatchFilter) (*MatchPage, error) {
	limit, err := pageLimit(f.Limit)
	if err != nil {
		return nil, err
	}
	if err := checkCommon(f.AccountID, f.ItemID); err != nil {
		return nil, err
	}
	before, err := optionalCursor(f.Cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListMatches(ctx, store.MatchFilter{
		UserID:    userID,
		AccountID: f.AccountID,
		ItemID:    f.ItemID,
		Before:    before,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}

	page := &MatchPage{Matches: rows}
	if len(rows) > limit {
		page.Matches = rows[:limit]
		last := page.Matches[limit-1]
		next := EncodeCursor(last.MatchedAt, last.ID)
		page.NextCursor = &next
	}
	if page.Matches == nil {
		page.Matches = []model.TradeMatch{}
	}
	return page, nil
}

func pageLimit(n int) (int, error) {
	switch {
	case n == 0:
		return MaxLimit, nil
	case n < 0 || n > MaxLimit:
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidFilter, MaxLimit)
	}
	return n, nil
}

func checkCommon(accountID string, itemID int64) error {
	if accountID != "" {
		if _, err := uuid.Parse(accountID); err != nil {
			return fmt.Errorf("%w: account_id must be a UUID", ErrInvalidFilter)
		}
	}
	if itemID < 0 {
		return fmt.Errorf("%w: item_id must be positive", ErrInvalidFilter)
	}
	return nil
}

func optionalCursor(token string) (*store.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	return DecodeCursor(token)
}
