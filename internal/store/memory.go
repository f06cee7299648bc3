package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flipledger/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	events      map[string]*model.TradeEvent
	eventsByExt map[string]string
	positions   map[string]*model.OpenPosition
	matches     []model.TradeMatch
	security    []model.SecurityEvent
	adminTrades []model.AdminTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		events:      make(map[string]*model.TradeEvent),
		eventsByExt: make(map[string]string),
		positions:   make(map[string]*model.OpenPosition),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, userID int64, clientID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.UserID == userID && a.ClientID == clientID {
			copy := *a
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("account for user %d client %s: %w", userID, clientID, ErrNotFound)
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.UserID == acct.UserID && a.ClientID == acct.ClientID {
			return fmt.Errorf("account for user %d client %s: %w", acct.UserID, acct.ClientID, ErrAlreadyExists)
		}
	}
	copy := *acct
	s.accounts[acct.ID] = &copy
	return nil
}

func (s *MemoryStore) UpdateAccountUsername(_ context.Context, id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	name := username
	a.Username = &name
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetEventByExternalID(_ context.Context, externalID string) (*model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.eventsByExt[externalID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", externalID, ErrNotFound)
	}
	copy := *s.events[id]
	return &copy, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertEventLocked(ev)
}

func (s *MemoryStore) insertEventLocked(ev *model.TradeEvent) error {
	if _, ok := s.eventsByExt[ev.ExternalEventID]; ok {
		return fmt.Errorf("event %s: %w", ev.ExternalEventID, ErrAlreadyExists)
	}
	copy := *ev
	s.events[ev.ID] = &copy
	s.eventsByExt[ev.ExternalEventID] = ev.ID
	return nil
}

func (s *MemoryStore) UpdateEventFill(_ context.Context, id string, upd model.FillUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return false, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if ev.Regresses(upd) {
		return false, nil
	}
	applyFill(ev, upd)
	return true, nil
}

func applyFill(ev *model.TradeEvent, upd model.FillUpdate) {
	ev.FilledQuantity = upd.FilledQuantity
	ev.RemainingQuantity = upd.RemainingQuantity
	ev.Status = upd.Status
	ev.UpdatedAt = time.Now().UTC()
}

func (s *MemoryStore) CountEventsSince(_ context.Context, userID int64, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, ev := range s.events {
		if ev.UserID == userID && !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, ev := range s.events {
		if ev.UserID != f.UserID {
			continue
		}
		if f.AccountID != "" && ev.AccountID != f.AccountID {
			continue
		}
		if f.ItemID != 0 && ev.ItemID != f.ItemID {
			continue
		}
		if f.Start != nil && ev.Timestamp.Before(*f.Start) {
			continue
		}
		if f.End != nil && ev.Timestamp.After(*f.End) {
			continue
		}
		if f.Before != nil && !before(ev.Timestamp, ev.ID, *f.Before) {
			continue
		}
		result = append(result, *ev)
	}

	sort.Slice(result, func(i, j int) bool {
		return before(result[j].Timestamp, result[j].ID, Cursor{At: result[i].Timestamp, ID: result[i].ID})
	})
	return limit(result, f.Limit), nil
}

func (s *MemoryStore) GetEventsByIDs(_ context.Context, ids []string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			result = append(result, *ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID int64, accountID string) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OpenPosition
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) ListMatches(_ context.Context, f MatchFilter) ([]model.TradeMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeMatch
	for _, m := range s.matches {
		if m.UserID != f.UserID {
			continue
		}
		if f.AccountID != "" && m.AccountID != f.AccountID {
			continue
		}
		if f.ItemID != 0 && m.ItemID != f.ItemID {
			continue
		}
		if f.Before != nil && !before(m.MatchedAt, m.ID, *f.Before) {
			continue
		}
		result = append(result, m)
	}

	sort.Slice(result, func(i, j int) bool {
		return before(result[j].MatchedAt, result[j].ID, Cursor{At: result[i].MatchedAt, ID: result[i].ID})
	})
	return limit(result, f.Limit), nil
}

func (s *MemoryStore) InsertSecurityEvent(_ context.Context, ev *model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.security = append(s.security, *ev)
	return nil
}

func (s *MemoryStore) InsertAdminTrade(_ context.Context, t *model.AdminTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adminTrades = append(s.adminTrades, *t)
	return nil
}

// SecurityEvents returns a snapshot of recorded security events.
func (s *MemoryStore) SecurityEvents() []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.SecurityEvent(nil), s.security...)
}

// AdminTrades returns a snapshot of the admin trade mirror.
func (s *MemoryStore) AdminTrades() []model.AdminTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AdminTrade(nil), s.adminTrades...)
}

// RunInLotTx holds the store's write lock for the whole unit, so units are
// serialized across all keys. Writes are staged and applied only when fn
// returns nil. fn must only use tx; calling back into s would deadlock.
func (s *MemoryStore) RunInLotTx(ctx context.Context, accountID string, itemID int64, fn func(tx LotTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memLotTx{
		s:         s,
		accountID: accountID,
		itemID:    itemID,
		lots:      make(map[string]model.OpenPosition),
		updated:   make(map[string]model.TradeEvent),
	}
	for id, p := range s.positions {
		if p.AccountID == accountID && p.ItemID == itemID {
			tx.lots[id] = *p
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memLotTx stages writes against a snapshot of one (account, item) ledger.
type memLotTx struct {
	s         *MemoryStore
	accountID string
	itemID    int64

	lots     map[string]model.OpenPosition
	deleted  []string
	inserted []model.TradeEvent
	updated  map[string]model.TradeEvent
	matches  []model.TradeMatch
}

func (tx *memLotTx) event(id string) (model.TradeEvent, bool) {
	if ev, ok := tx.updated[id]; ok {
		return ev, true
	}
	for _, ev := range tx.inserted {
		if ev.ID == id {
			return ev, true
		}
	}
	if ev, ok := tx.s.events[id]; ok {
		return *ev, true
	}
	return model.TradeEvent{}, false
}

func (tx *memLotTx) InsertEvent(_ context.Context, ev *model.TradeEvent) error {
	if _, ok := tx.s.eventsByExt[ev.ExternalEventID]; ok {
		return fmt.Errorf("event %s: %w", ev.ExternalEventID, ErrAlreadyExists)
	}
	for _, staged := range tx.inserted {
		if staged.ExternalEventID == ev.ExternalEventID {
			return fmt.Errorf("event %s: %w", ev.ExternalEventID, ErrAlreadyExists)
		}
	}
	tx.inserted = append(tx.inserted, *ev)
	return nil
}

func (tx *memLotTx) TransitionEvent(_ context.Context, id string, from model.EventStatus, upd model.FillUpdate) (bool, error) {
	ev, ok := tx.event(id)
	if !ok {
		return false, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if ev.Status != from || upd.FilledQuantity < ev.FilledQuantity {
		return false, nil
	}
	applyFill(&ev, upd)
	tx.updated[id] = ev
	return true, nil
}

func (tx *memLotTx) Lots(_ context.Context) ([]model.Lot, error) {
	lots := make([]model.Lot, 0, len(tx.lots))
	for _, p := range tx.lots {
		lot := model.Lot{OpenPosition: p}
		if ev, ok := tx.event(p.BuyEventID); ok {
			lot.BuyTimestamp = ev.Timestamp
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func (tx *memLotTx) InsertPosition(_ context.Context, pos *model.OpenPosition) error {
	if pos.AccountID != tx.accountID || pos.ItemID != tx.itemID {
		return fmt.Errorf("position for %s/%d outside unit %s/%d", pos.AccountID, pos.ItemID, tx.accountID, tx.itemID)
	}
	if pos.Quantity <= 0 {
		return fmt.Errorf("position quantity must be positive, got %d", pos.Quantity)
	}
	for _, p := range tx.lots {
		if p.BuyEventID == pos.BuyEventID {
			return fmt.Errorf("position for buy event %s: %w", pos.BuyEventID, ErrAlreadyExists)
		}
	}
	tx.lots[pos.ID] = *pos
	return nil
}

func (tx *memLotTx) UpdateLotQuantity(_ context.Context, lotID string, qty int64) error {
	p, ok := tx.lots[lotID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	if qty <= 0 {
		return fmt.Errorf("lot %s: quantity must stay positive, got %d", lotID, qty)
	}
	p.Quantity = qty
	p.UpdatedAt = time.Now().UTC()
	tx.lots[lotID] = p
	return nil
}

func (tx *memLotTx) DeleteLot(_ context.Context, lotID string) error {
	if _, ok := tx.lots[lotID]; !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	delete(tx.lots, lotID)
	tx.deleted = append(tx.deleted, lotID)
	return nil
}

func (tx *memLotTx) InsertMatch(_ context.Context, m *model.TradeMatch) error {
	tx.matches = append(tx.matches, *m)
	return nil
}

// commit applies staged writes. Caller holds s.mu.
func (tx *memLotTx) commit() {
	s := tx.s
	for i := range tx.inserted {
		ev := tx.inserted[i]
		if upd, ok := tx.updated[ev.ID]; ok {
			ev = upd
		}
		s.events[ev.ID] = &ev
		s.eventsByExt[ev.ExternalEventID] = ev.ID
	}
	for id, ev := range tx.updated {
		if _, ok := s.events[id]; ok {
			ev := ev
			s.events[id] = &ev
		}
	}
	for _, id := range tx.deleted {
		delete(s.positions, id)
	}
	for id, p := range tx.lots {
		p := p
		s.positions[id] = &p
	}
	s.matches = append(s.matches, tx.matches...)
}

// before reports whether (at, id) sorts strictly before c in a descending scan.
func before(at time.Time, id string, c Cursor) bool {
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

func limit[T any](rows []T, n int) []T {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}
