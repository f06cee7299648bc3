// Package account maps a (user, plugin client) pair to a stable account id.
package account

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/model"
	"github.com/flipledger/ledger-engine/internal/store"
)

// Resolver gets or creates accounts. It is idempotent and safe to retry.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver backed by st.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve returns the account for (userID, clientID), creating it on first
// sight. A non-nil username that differs from the stored one replaces it.
// Storage errors are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, userID int64, clientID string, username *string) (*model.Account, error) {
	acct, err := r.store.GetAccount(ctx, userID, clientID)
	switch {
	case err == nil:
		return r.syncUsername(ctx, acct, username)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	acct = &model.Account{
		ID:        uuid.New().String(),
		UserID:    userID,
		ClientID:  clientID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateAccount(ctx, acct); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		// Lost a create race with a concurrent batch; use the winner's row.
		existing, err := r.store.GetAccount(ctx, userID, clientID)
		if err != nil {
			return nil, err
		}
		return r.syncUsername(ctx, existing, username)
	}

	slog.Info("account created", "account_id", acct.ID, "user_id", userID, "client_id", clientID)
	return acct, nil
}

func (r *Resolver) syncUsername(ctx context.Context, acct *model.Account, username *string) (*model.Account, error) {
	if username == nil {
		return acct, nil
	}
	if acct.Username != nil && *acct.Username == *username {
		return acct, nil
	}
	if err := r.store.UpdateAccountUsername(ctx, acct.ID, *username); err != nil {
		return nil, err
	}
	name := *username
	acct.Username = &name
	return acct, nil
}
