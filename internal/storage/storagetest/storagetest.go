// Package storagetest holds the behaviour every storage.Store must share.
// Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitledger/internal/core"
	"splitledger/internal/storage"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("directory", func(t *testing.T) { testDirectory(t, open(t)) })
	t.Run("expense rows", func(t *testing.T) { testExpenseRows(t, open(t)) })
	t.Run("balances", func(t *testing.T) { testBalances(t, open(t)) })
	t.Run("rollback discards writes", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("group teardown", func(t *testing.T) { testDeleteGroup(t, open(t)) })
}

// Seed creates users and one group containing all of them, committed.
func Seed(t *testing.T, s storage.Store, names ...string) (core.Group, []core.User) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	users := make([]core.User, 0, len(names))
	for _, n := range names {
		u, err := tx.CreateUser(ctx, core.User{Name: n, Email: n + "@example.com"})
		require.NoError(t, err)
		users = append(users, u)
	}
	g, err := tx.CreateGroup(ctx, core.Group{Name: "trip", CreatedBy: users[0].ID})
	require.NoError(t, err)
	for _, u := range users {
		require.NoError(t, tx.AddMember(ctx, g.ID, u.ID))
	}
	require.NoError(t, tx.Commit())

	rtx, err := s.BeginReadTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	g, err = rtx.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	return g, users
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testDirectory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g, users := Seed(t, s, "ann", "bob")

	assert.Equal(t, []int64{users[0].ID, users[1].ID}, g.Members)
	assert.Equal(t, users[0].ID, g.CreatedBy)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.CreateUser(ctx, core.User{Name: "dup", Email: "ann@example.com"})
	assert.True(t, errors.Is(err, core.ErrAlreadyExists), "got %v", err)

	err = tx.AddMember(ctx, g.ID, users[1].ID)
	assert.True(t, errors.Is(err, core.ErrAlreadyExists), "got %v", err)

	_, err = tx.GetUser(ctx, 9999)
	assert.True(t, errors.Is(err, core.ErrUserNotFound), "got %v", err)
	_, err = tx.GetGroup(ctx, 9999)
	assert.True(t, errors.Is(err, core.ErrGroupNotFound), "got %v", err)
	_, err = tx.LockGroup(ctx, 9999)
	assert.True(t, errors.Is(err, core.ErrGroupNotFound), "got %v", err)

	v1, err := tx.LockGroup(ctx, g.ID)
	require.NoError(t, err)
	v2, err := tx.LockGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	created, err := tx.GroupsCreatedBy(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{g.ID}, created)
	of, err := tx.GroupsOfUser(ctx, users[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{g.ID}, of)

	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: users[1].ID, OwedTo: users[0].ID, Amount: decimal.Zero}))
	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: users[0].ID, OwedTo: users[1].ID, Amount: decimal.Zero}))
	require.NoError(t, tx.RemoveMember(ctx, g.ID, users[1].ID))
	left, err := tx.GroupBalances(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, left, "a removed member's settled entries go with the membership")
	err = tx.RemoveMember(ctx, g.ID, users[1].ID)
	assert.True(t, errors.Is(err, core.ErrUserNotInGroup), "got %v", err)
	require.NoError(t, tx.DeleteUser(ctx, users[1].ID))
	require.NoError(t, tx.Commit())
}

func testExpenseRows(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g, users := Seed(t, s, "ann", "bob", "cid")
	a, b, c := users[0].ID, users[1].ID, users[2].ID

	occurred := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC)
	e := core.Expense{
		ID:          "9b2f4c1e-3b0a-4d7e-9a55-0d6c3f1e2a10",
		GroupID:     g.ID,
		Amount:      d("90.00"),
		Description: "dinner",
		ShareType:   core.Equal,
		OccurredAt:  occurred,
		Version:     1,
	}

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertExpense(ctx, e))
	require.NoError(t, tx.UpsertPayer(ctx, e.ID, core.Payer{UserID: a, Amount: d("90")}))
	weights := map[int64]decimal.Decimal{a: d("33.333333333334"), b: d("33.333333333333"), c: d("33.333333333333")}
	for _, u := range []int64{c, a, b} {
		require.NoError(t, tx.UpsertBeneficiary(ctx, e.ID, core.Beneficiary{UserID: u, Weight: weights[u]}))
	}
	require.NoError(t, tx.UpsertShare(ctx, e.ID, core.DebtEdge{DebtorID: c, CreditorID: a, Amount: d("30")}))
	require.NoError(t, tx.UpsertShare(ctx, e.ID, core.DebtEdge{DebtorID: b, CreditorID: a, Amount: d("30")}))
	require.NoError(t, tx.Commit())

	rtx, err := s.BeginReadTx(ctx)
	require.NoError(t, err)
	got, err := rtx.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(e.Amount))
	assert.Equal(t, e.Description, got.Description)
	assert.Equal(t, core.Equal, got.ShareType)
	assert.True(t, occurred.Equal(got.OccurredAt))
	assert.False(t, got.Deleted)

	bens, err := rtx.ListBeneficiaries(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, bens, 3)
	assert.Equal(t, a, bens[0].UserID)
	assert.Equal(t, c, bens[2].UserID)
	total := decimal.Zero
	for _, bn := range bens {
		assert.True(t, weights[bn.UserID].Equal(bn.Weight), "weight of %d: %s", bn.UserID, bn.Weight)
		total = total.Add(bn.Weight)
	}
	assert.True(t, total.Equal(d("100")), "weights sum to %s", total)

	shares, err := rtx.ListShares(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, b, shares[0].DebtorID)
	assert.True(t, shares[0].Amount.Equal(d("30")))

	ids, err := rtx.ActiveExpenseIDs(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, ids)
	require.NoError(t, rtx.Rollback())

	// Update in place, drop one share, tombstone.
	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertShare(ctx, e.ID, core.DebtEdge{DebtorID: b, CreditorID: a, Amount: d("45")}))
	require.NoError(t, tx.DeleteShare(ctx, e.ID, c, a))
	require.NoError(t, tx.DeleteBeneficiary(ctx, e.ID, c))
	e.Version = 2
	e.Deleted = true
	require.NoError(t, tx.UpdateExpense(ctx, e))
	require.NoError(t, tx.Commit())

	rtx, err = s.BeginReadTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	got, err = rtx.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(2), got.Version)
	shares, err = rtx.ListShares(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.True(t, shares[0].Amount.Equal(d("45")))
	ids, err = rtx.ActiveExpenseIDs(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = rtx.GetExpense(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrExpenseNotFound), "got %v", err)
}

func testBalances(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g, users := Seed(t, s, "ann", "bob")
	a, b := users[0].ID, users[1].ID

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, ok, err := tx.GetBalance(ctx, g.ID, b, a)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: b, OwedTo: a, Amount: d("30")}))
	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: a, OwedTo: b, Amount: d("20")}))
	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: b, OwedTo: a, Amount: d("-5.25")}))
	require.NoError(t, tx.Commit())

	rtx, err := s.BeginReadTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()

	amount, ok, err := rtx.GetBalance(ctx, g.ID, b, a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, amount.Equal(d("-5.25")), "got %s", amount)

	entries, err := rtx.GroupBalances(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a, entries[0].OwedBy)
	assert.Equal(t, b, entries[1].OwedBy)

	mine, err := rtx.UserBalances(ctx, b)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	active, err := rtx.MemberHasActivity(ctx, g.ID, b)
	require.NoError(t, err)
	assert.True(t, active)
}

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g, users := Seed(t, s, "ann", "bob")

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.LockGroup(ctx, g.ID)
	require.NoError(t, err)
	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: users[1].ID, OwedTo: users[0].ID, Amount: d("10")}))
	require.NoError(t, tx.Rollback())

	rtx, err := s.BeginReadTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	entries, err := rtx.GroupBalances(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	got, err := rtx.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.LedgerVersion, got.LedgerVersion)
}

func testDeleteGroup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g, users := Seed(t, s, "ann", "bob")

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	e := core.Expense{ID: "tomb", GroupID: g.ID, Amount: d("1"), Description: "x", ShareType: core.Equal, OccurredAt: time.Now(), Version: 1, Deleted: true}
	require.NoError(t, tx.InsertExpense(ctx, e))
	require.NoError(t, tx.PutBalance(ctx, core.BalanceEntry{GroupID: g.ID, OwedBy: users[1].ID, OwedTo: users[0].ID, Amount: d("0")}))
	require.NoError(t, tx.DeleteGroup(ctx, g.ID))
	require.NoError(t, tx.Commit())

	rtx, err := s.BeginReadTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	_, err = rtx.GetGroup(ctx, g.ID)
	assert.True(t, errors.Is(err, core.ErrGroupNotFound), "got %v", err)
	_, err = rtx.GetExpense(ctx, "tomb")
	assert.True(t, errors.Is(err, core.ErrExpenseNotFound), "got %v", err)
	entries, err := rtx.UserBalances(ctx, users[1].ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
