// Package ledger maintains the per-group balance entries.
//
// An entry (group, owed-by, owed-to) is created lazily at zero and only ever
// moves by signed increments. The entry for A->B is never netted against the
// one for B->A; consumers that need a net view aggregate themselves.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"splitledger/internal/core"
)

// Writer is the part of a transaction the ledger mutates through.
type Writer interface {
	GetBalance(ctx context.Context, groupID, owedBy, owedTo int64) (decimal.Decimal, bool, error)
	PutBalance(ctx context.Context, e core.BalanceEntry) error
}

// Reader serves balance queries, typically from a read-only snapshot.
type Reader interface {
	GroupBalances(ctx context.Context, groupID int64) ([]core.BalanceEntry, error)
	UserBalances(ctx context.Context, userID int64) ([]core.BalanceEntry, error)
}

// ApplyDelta adds amount, which may be negative, to the entry owed by
// debtor to creditor, creating it at zero first if needed.
func ApplyDelta(ctx context.Context, tx Writer, groupID, debtorID, creditorID int64, amount decimal.Decimal) error {
	if debtorID == creditorID {
		return fmt.Errorf("apply delta: self-referential entry for user %d in group %d", debtorID, groupID)
	}
	current, _, err := tx.GetBalance(ctx, groupID, debtorID, creditorID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	err = tx.PutBalance(ctx, core.BalanceEntry{
		GroupID: groupID,
		OwedBy:  debtorID,
		OwedTo:  creditorID,
		Amount:  current.Add(amount),
	})
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// ReverseDelta undoes a previously applied delta of amount.
func ReverseDelta(ctx context.Context, tx Writer, groupID, debtorID, creditorID int64, amount decimal.Decimal) error {
	return ApplyDelta(ctx, tx, groupID, debtorID, creditorID, amount.Neg())
}

// Apply folds every edge into the group's entries.
func Apply(ctx context.Context, tx Writer, groupID int64, edges []core.DebtEdge) error {
	for _, e := range edges {
		if err := ApplyDelta(ctx, tx, groupID, e.DebtorID, e.CreditorID, e.Amount); err != nil {
			return err
		}
	}
	return nil
}

// Reverse removes every edge from the group's entries.
func Reverse(ctx context.Context, tx Writer, groupID int64, edges []core.DebtEdge) error {
	for _, e := range edges {
		if err := ReverseDelta(ctx, tx, groupID, e.DebtorID, e.CreditorID, e.Amount); err != nil {
			return err
		}
	}
	return nil
}

// GroupBalances returns all entries of the group ordered by owed-by then
// owed-to, zero entries included.
func GroupBalances(ctx context.Context, r Reader, groupID int64) ([]core.BalanceEntry, error) {
	entries, err := r.GroupBalances(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group balances: %w", err)
	}
	return entries, nil
}

// UserBalances returns every entry, in any group, the user is a party to.
func UserBalances(ctx context.Context, r Reader, userID int64) ([]core.BalanceEntry, error) {
	entries, err := r.UserBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user balances: %w", err)
	}
	return entries, nil
}

// Outstanding drops entries that are exactly zero.
func Outstanding(entries []core.BalanceEntry) []core.BalanceEntry {
	out := make([]core.BalanceEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Amount.IsZero() {
			out = append(out, e)
		}
	}
	return out
}
