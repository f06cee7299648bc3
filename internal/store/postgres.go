package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flipledger/ledger-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Lot units of work take a transaction-scoped advisory lock on the
// (account, item) key and row-lock the lots they read.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// how long a unit of work waits for its lot lock before failing with
// ErrConflict; zero means 2s.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// Migrate applies embedded SQL migrations in lexicographic order and records
// them in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID int64, clientID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id::TEXT, user_id, client_id, username, created_at, updated_at
		 FROM accounts WHERE user_id = $1 AND client_id = $2`, userID, clientID).
		Scan(&a.ID, &a.UserID, &a.ClientID, &a.Username, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account user %d client %s: %w", userID, clientID, classify(err))
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, client_id, username, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.ClientID, a.Username, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account user %d client %s: %w", a.UserID, a.ClientID, classify(err))
	}
	return nil
}

func (s *PostgresStore) UpdateAccountUsername(ctx context.Context, id, username string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET username = $2, updated_at = NOW() WHERE id = $1`, id, username)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Trade events ---

const eventColumns = `id::TEXT, external_event_id, account_id::TEXT, user_id, item_id, item_name,
	offer_type, price, quantity, filled_quantity, remaining_quantity, status,
	timestamp, created_at, updated_at`

func (s *PostgresStore) GetEventByExternalID(ctx context.Context, externalID string) (*model.TradeEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM trade_events WHERE external_event_id = $1`, externalID)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", externalID, classify(err))
	}
	return ev, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.TradeEvent) error {
	return insertEvent(ctx, s.pool, ev)
}

func (s *PostgresStore) UpdateEventFill(ctx context.Context, id string, upd model.FillUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_events
		 SET filled_quantity = $2, remaining_quantity = $3, status = $4, updated_at = NOW()
		 WHERE id = $1
		   AND filled_quantity <= $2
		   AND (status = 'pending' OR $4 <> 'pending')`,
		id, upd.FilledQuantity, upd.RemainingQuantity, string(upd.Status))
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", id, classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountEventsSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trade_events WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events for user %d: %w", userID, classify(err))
	}
	return n, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]model.TradeEvent, error) {
	q := newQuery(`SELECT ` + eventColumns + ` FROM trade_events WHERE user_id = $1`, f.UserID)
	if f.AccountID != "" {
		q.where("account_id = $%d", f.AccountID)
	}
	if f.ItemID != 0 {
		q.where("item_id = $%d", f.ItemID)
	}
	if f.Start != nil {
		q.where("timestamp >= $%d", *f.Start)
	}
	if f.End != nil {
		q.where("timestamp <= $%d", *f.End)
	}
	if f.Before != nil {
		q.keyset("timestamp", *f.Before)
	}
	q.orderLimit("timestamp", f.Limit)

	rows, err := s.pool.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", classify(err))
	}
	defer rows.Close()

	var events []model.TradeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetEventsByIDs(ctx context.Context, ids []string) ([]model.TradeEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM trade_events WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("get events by ids: %w", classify(err))
	}
	defer rows.Close()

	var events []model.TradeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// --- Open positions ---

const positionColumns = `p.id::TEXT, p.user_id, p.account_id::TEXT, p.item_id, p.buy_event_id::TEXT,
	p.quantity, p.average_buy_price, p.created_at, p.updated_at`

func (s *PostgresStore) ListPositions(ctx context.Context, userID int64, accountID string) ([]model.OpenPosition, error) {
	q := newQuery(`SELECT `+positionColumns+` FROM open_positions p WHERE p.user_id = $1`, userID)
	if accountID != "" {
		q.where("p.account_id = $%d", accountID)
	}
	q.sql.WriteString(" ORDER BY p.created_at, p.id")

	rows, err := s.pool.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", classify(err))
	}
	defer rows.Close()

	var positions []model.OpenPosition
	for rows.Next() {
		var p model.OpenPosition
		if err := rows.Scan(&p.ID, &p.UserID, &p.AccountID, &p.ItemID, &p.BuyEventID,
			&p.Quantity, &p.AverageBuyPrice, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) RunInLotTx(ctx context.Context, accountID string, itemID int64, fn func(tx LotTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin lot tx: %w", classify(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", classify(err))
	}
	lockKey := fmt.Sprintf("lots:%s:%d", accountID, itemID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return fmt.Errorf("lock %s: %w", lockKey, classify(err))
	}

	if err := fn(&pgLotTx{tx: tx, accountID: accountID, itemID: itemID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit lot tx: %w", classify(err))
	}
	committed = true
	return nil
}

// --- Trade matches ---

const matchColumns = `id::TEXT, user_id, account_id::TEXT, item_id, buy_event_id::TEXT, sell_event_id::TEXT,
	buy_price, sell_price, quantity, profit, profit_after_tax, roi, matched_at`

func (s *PostgresStore) ListMatches(ctx context.Context, f MatchFilter) ([]model.TradeMatch, error) {
	q := newQuery(`SELECT `+matchColumns+` FROM trade_matches WHERE user_id = $1`, f.UserID)
	if f.AccountID != "" {
		q.where("account_id = $%d", f.AccountID)
	}
	if f.ItemID != 0 {
		q.where("item_id = $%d", f.ItemID)
	}
	if f.Before != nil {
		q.keyset("matched_at", *f.Before)
	}
	q.orderLimit("matched_at", f.Limit)

	rows, err := s.pool.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", classify(err))
	}
	defer rows.Close()

	var matches []model.TradeMatch
	for rows.Next() {
		var m model.TradeMatch
		if err := rows.Scan(&m.ID, &m.UserID, &m.AccountID, &m.ItemID, &m.BuyEventID, &m.SellEventID,
			&m.BuyPrice, &m.SellPrice, &m.Quantity, &m.Profit, &m.ProfitAfterTax, &m.ROI, &m.MatchedAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) InsertSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal security event details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO security_events (id, user_id, event_type, severity, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.UserID, ev.EventType, ev.Severity, details, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert security event %s: %w", ev.EventType, classify(err))
	}
	return nil
}

func (s *PostgresStore) InsertAdminTrade(ctx context.Context, t *model.AdminTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_trades (id, user_id, account_id, external_event_id, item_id, item_name,
		     offer_type, price, quantity, filled_quantity, status, timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.UserID, t.AccountID, t.ExternalEventID, t.ItemID, t.ItemName,
		string(t.OfferType), t.Price, t.Quantity, t.FilledQuantity, string(t.Status), t.Timestamp, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admin trade %s: %w", t.ExternalEventID, classify(err))
	}
	return nil
}

// --- Lot unit of work ---

type pgLotTx struct {
	tx        pgx.Tx
	accountID string
	itemID    int64
}

func (t *pgLotTx) InsertEvent(ctx context.Context, ev *model.TradeEvent) error {
	return insertEvent(ctx, t.tx, ev)
}

func (t *pgLotTx) TransitionEvent(ctx context.Context, id string, from model.EventStatus, upd model.FillUpdate) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trade_events
		 SET filled_quantity = $3, remaining_quantity = $4, status = $5, updated_at = NOW()
		 WHERE id = $1 AND status = $2 AND filled_quantity <= $3`,
		id, string(from), upd.FilledQuantity, upd.RemainingQuantity, string(upd.Status))
	if err != nil {
		return false, fmt.Errorf("transition event %s: %w", id, classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgLotTx) Lots(ctx context.Context) ([]model.Lot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+`, e.timestamp
		 FROM open_positions p
		 JOIN trade_events e ON e.id = p.buy_event_id
		 WHERE p.account_id = $1 AND p.item_id = $2
		 FOR UPDATE OF p`, t.accountID, t.itemID)
	if err != nil {
		return nil, fmt.Errorf("select lots: %w", classify(err))
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		if err := rows.Scan(&l.ID, &l.UserID, &l.AccountID, &l.ItemID, &l.BuyEventID,
			&l.Quantity, &l.AverageBuyPrice, &l.CreatedAt, &l.UpdatedAt, &l.BuyTimestamp); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select lots: %w", classify(err))
	}
	return lots, nil
}

func (t *pgLotTx) InsertPosition(ctx context.Context, p *model.OpenPosition) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO open_positions (id, user_id, account_id, item_id, buy_event_id, quantity, average_buy_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.AccountID, p.ItemID, p.BuyEventID, p.Quantity, p.AverageBuyPrice, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert position for buy %s: %w", p.BuyEventID, classify(err))
	}
	return nil
}

func (t *pgLotTx) UpdateLotQuantity(ctx context.Context, lotID string, qty int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE open_positions SET quantity = $2, updated_at = NOW() WHERE id = $1`, lotID, qty)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", lotID, classify(err))
	}
	return nil
}

func (t *pgLotTx) DeleteLot(ctx context.Context, lotID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM open_positions WHERE id = $1`, lotID)
	if err != nil {
		return fmt.Errorf("delete lot %s: %w", lotID, classify(err))
	}
	return nil
}

func (t *pgLotTx) InsertMatch(ctx context.Context, m *model.TradeMatch) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trade_matches (id, user_id, account_id, item_id, buy_event_id, sell_event_id,
		     buy_price, sell_price, quantity, profit, profit_after_tax, roi, matched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.UserID, m.AccountID, m.ItemID, m.BuyEventID, m.SellEventID,
		m.BuyPrice, m.SellPrice, m.Quantity, m.Profit, m.ProfitAfterTax, m.ROI, m.MatchedAt)
	if err != nil {
		return fmt.Errorf("insert match: %w", classify(err))
	}
	return nil
}

// --- Helpers ---

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, ev *model.TradeEvent) error {
	_, err := db.Exec(ctx,
		`INSERT INTO trade_events (id, external_event_id, account_id, user_id, item_id, item_name,
		     offer_type, price, quantity, filled_quantity, remaining_quantity, status,
		     timestamp, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, ev.ExternalEventID, ev.AccountID, ev.UserID, ev.ItemID, ev.ItemName,
		string(ev.OfferType), ev.Price, ev.Quantity, ev.FilledQuantity, ev.RemainingQuantity, string(ev.Status),
		ev.Timestamp, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ExternalEventID, classify(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.TradeEvent, error) {
	var ev model.TradeEvent
	var offerType, status string
	if err := row.Scan(&ev.ID, &ev.ExternalEventID, &ev.AccountID, &ev.UserID, &ev.ItemID, &ev.ItemName,
		&offerType, &ev.Price, &ev.Quantity, &ev.FilledQuantity, &ev.RemainingQuantity, &status,
		&ev.Timestamp, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, err
	}
	ev.OfferType = model.OfferType(offerType)
	ev.Status = model.EventStatus(status)
	return &ev, nil
}

// query incrementally builds a parameterized WHERE clause.
type query struct {
	sql  strings.Builder
	args []any
}

func newQuery(base string, first any) *query {
	q := &query{args: []any{first}}
	q.sql.WriteString(base)
	return q
}

func (q *query) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.sql.WriteString(" AND ")
	q.sql.WriteString(fmt.Sprintf(cond, len(q.args)))
}

func (q *query) keyset(column string, c Cursor) {
	q.args = append(q.args, c.At, c.ID)
	n := len(q.args)
	q.sql.WriteString(fmt.Sprintf(" AND (%s, id) < ($%d, $%d::uuid)", column, n-1, n))
}

func (q *query) orderLimit(column string, limit int) {
	q.sql.WriteString(fmt.Sprintf(" ORDER BY %s DESC, id DESC", column))
	if limit > 0 {
		q.args = append(q.args, limit)
		q.sql.WriteString(fmt.Sprintf(" LIMIT $%d", len(q.args)))
	}
}

// classify maps PostgreSQL error codes onto the store's sentinel errors.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}
