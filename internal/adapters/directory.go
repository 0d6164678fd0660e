package adapters

import (
	"context"

	"splitledger/internal/core"
	"splitledger/internal/storage"
)

// StoreDirectory answers directory questions from the ledger's own store.
// It lets the expense service validate participants without knowing how
// users and groups are persisted.
type StoreDirectory struct {
	store storage.Store
}

func NewStoreDirectory(store storage.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

// ValidateGroupMembers returns the group when every user is one of its
// members.
func (a *StoreDirectory) ValidateGroupMembers(ctx context.Context, groupID int64, userIDs []int64) (core.Group, error) {
	tx, err := a.store.BeginReadTx(ctx)
	if err != nil {
		return core.Group{}, err
	}
	defer tx.Rollback()

	g, err := tx.GetGroup(ctx, groupID)
	if err != nil {
		return core.Group{}, err
	}
	members := make(map[int64]bool, len(g.Members))
	for _, m := range g.Members {
		members[m] = true
	}
	for _, id := range userIDs {
		if members[id] {
			continue
		}
		if _, err := tx.GetUser(ctx, id); err != nil {
			return core.Group{}, err
		}
		return core.Group{}, core.Wrapf(core.ErrUserNotInGroup, "user %d, group %d", id, groupID)
	}
	return g, nil
}

// ResolveUser implements services.Directory
func (a *StoreDirectory) ResolveUser(ctx context.Context, userID int64) (core.User, error) {
	tx, err := a.store.BeginReadTx(ctx)
	if err != nil {
		return core.User{}, err
	}
	defer tx.Rollback()
	return tx.GetUser(ctx, userID)
}
