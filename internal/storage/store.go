// Package storage persists the ledger: users, groups and memberships,
// expenses with their payers, beneficiaries and share rows, and the per-group
// balance entries.
//
// All access goes through a Tx. Mutating units of work start with LockGroup,
// which serializes ledger writers of the same group.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"splitledger/internal/core"
)

// Store opens units of work.
type Store interface {
	// BeginTx starts a read-write transaction.
	BeginTx(ctx context.Context) (Tx, error)
	// BeginReadTx starts a read-only snapshot. Commit and Rollback both
	// just release it.
	BeginReadTx(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is an explicit transaction handle threaded through every ledger call.
type Tx interface {
	DirectoryTx
	ExpenseTx
	BalanceTx

	Commit() error
	Rollback() error
}

type DirectoryTx interface {
	CreateUser(ctx context.Context, u core.User) (core.User, error)
	GetUser(ctx context.Context, id int64) (core.User, error)
	DeleteUser(ctx context.Context, id int64) error

	CreateGroup(ctx context.Context, g core.Group) (core.Group, error)
	// GetGroup returns the group with its member ids in ascending order.
	GetGroup(ctx context.Context, id int64) (core.Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	GroupsCreatedBy(ctx context.Context, userID int64) ([]int64, error)
	GroupsOfUser(ctx context.Context, userID int64) ([]int64, error)

	AddMember(ctx context.Context, groupID, userID int64) error
	RemoveMember(ctx context.Context, groupID, userID int64) error
	// MemberHasActivity reports whether the user pays or benefits in an
	// active expense of the group or holds a non-zero balance entry there.
	MemberHasActivity(ctx context.Context, groupID, userID int64) (bool, error)

	// LockGroup bumps the group's ledger version and returns the new value.
	// It must be the first statement of a mutating transaction.
	LockGroup(ctx context.Context, groupID int64) (int64, error)
}

type ExpenseTx interface {
	InsertExpense(ctx context.Context, e core.Expense) error
	// GetExpense returns the expense even when it is tombstoned.
	GetExpense(ctx context.Context, id string) (core.Expense, error)
	UpdateExpense(ctx context.Context, e core.Expense) error
	// ActiveExpenseIDs lists the group's non-deleted expenses, oldest first.
	ActiveExpenseIDs(ctx context.Context, groupID int64) ([]string, error)

	ListPayers(ctx context.Context, expenseID string) ([]core.Payer, error)
	UpsertPayer(ctx context.Context, expenseID string, p core.Payer) error
	DeletePayer(ctx context.Context, expenseID string, userID int64) error

	ListBeneficiaries(ctx context.Context, expenseID string) ([]core.Beneficiary, error)
	UpsertBeneficiary(ctx context.Context, expenseID string, b core.Beneficiary) error
	DeleteBeneficiary(ctx context.Context, expenseID string, userID int64) error

	ListShares(ctx context.Context, expenseID string) ([]core.DebtEdge, error)
	UpsertShare(ctx context.Context, expenseID string, e core.DebtEdge) error
	DeleteShare(ctx context.Context, expenseID string, debtorID, creditorID int64) error
}

type BalanceTx interface {
	// GetBalance returns the entry for the ordered pair and whether it exists.
	GetBalance(ctx context.Context, groupID, owedBy, owedTo int64) (decimal.Decimal, bool, error)
	PutBalance(ctx context.Context, e core.BalanceEntry) error
	GroupBalances(ctx context.Context, groupID int64) ([]core.BalanceEntry, error)
	UserBalances(ctx context.Context, userID int64) ([]core.BalanceEntry, error)
	DeleteGroupBalances(ctx context.Context, groupID int64) error
}
