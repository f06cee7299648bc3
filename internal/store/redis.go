package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flipledger/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account lookups. Account ids are stable once created, so they are
// safe to cache. Lots, events and matches always go to the primary: matching
// correctness depends on reading current lot state.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// GetAccount checks Redis first then falls back to the primary.
func (s *CachedStore) GetAccount(ctx context.Context, userID int64, clientID string) (*model.Account, error) {
	key := accountKey(userID, clientID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.Store.GetAccount(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.Store.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

// UpdateAccountUsername writes to the primary and invalidates every cached
// entry for the account, found through the id→key index.
func (s *CachedStore) UpdateAccountUsername(ctx context.Context, id, username string) error {
	if err := s.Store.UpdateAccountUsername(ctx, id, username); err != nil {
		return err
	}
	if key, err := s.rdb.Get(ctx, accountIndexKey(id)).Result(); err == nil {
		s.rdb.Del(ctx, key)
	}
	return nil
}

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	key := accountKey(a.UserID, a.ClientID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.Set(ctx, accountIndexKey(a.ID), key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("account cache write failed", "account_id", a.ID, "err", err)
	}
}

func accountKey(userID int64, clientID string) string {
	return fmt.Sprintf("account:%d:%s", userID, clientID)
}

func accountIndexKey(id string) string { return fmt.Sprintf("account-id:%s", id) }

// ErrLockHeld is returned by RedisLocker when another holder owns the key.
// It wraps ErrConflict so callers retry it like any other lost race.
var ErrLockHeld = fmt.Errorf("lock already held: %w", ErrConflict)

// unlockLua deletes the lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a cross-instance mutex built on SET NX with a TTL and a
// token-checked unlock.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	unlockSc *redis.Script
}

// NewRedisLocker creates a locker whose locks expire after ttl if never released.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		ttl:      ttl,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Lock makes a single acquisition attempt. It returns ErrLockHeld when the
// key is taken; the returned unlock func is safe to call more than once.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := "lock:" + key

	ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context: release even if the caller's context is done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("redis unlock failed", "key", key, "err", err)
		}
	}
	return unlock, nil
}
