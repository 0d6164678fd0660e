package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"splitledger/internal/amqp"
	"splitledger/internal/cache"
	"splitledger/internal/core"
	"splitledger/internal/ledger"
	applog "splitledger/internal/log"
	"splitledger/internal/settle"
	"splitledger/internal/split"
	"splitledger/internal/storage"
)

// Directory answers identity and membership questions for the ledger.
type Directory interface {
	// ValidateGroupMembers fails with ErrGroupNotFound or ErrUserNotInGroup
	// unless every user is a member of the group.
	ValidateGroupMembers(ctx context.Context, groupID int64, userIDs []int64) (core.Group, error)
	ResolveUser(ctx context.Context, userID int64) (core.User, error)
}

// EventPublisher announces committed ledger changes.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error
}

// ExpenseInput is the caller-supplied content of an expense.
type ExpenseInput struct {
	Amount        decimal.Decimal
	Description   string
	ShareType     string
	OccurredAt    time.Time
	Payers        []core.Payer
	Beneficiaries []core.Beneficiary
}

// ExpenseDetail is an expense with its rows and the balance entries of the
// pairs it touches.
type ExpenseDetail struct {
	Expense       core.Expense        `json:"expense"`
	Payers        []core.Payer        `json:"payers"`
	Beneficiaries []core.Beneficiary  `json:"beneficiaries"`
	Shares        []core.DebtEdge     `json:"shares"`
	Balances      []core.BalanceEntry `json:"balances"`
}

// Settlement is the payment plan for a group at one ledger version.
type Settlement struct {
	GroupID       int64             `json:"group_id"`
	LedgerVersion int64             `json:"ledger_version"`
	Positions     []settle.Position `json:"positions"`
	Payments      []core.Payment    `json:"payments"`
}

// ExpenseService runs every ledger-affecting operation as one unit of work:
// validation, share computation, row persistence and balance deltas commit
// together or not at all.
type ExpenseService struct {
	store       storage.Store
	directory   Directory
	publisher   EventPublisher
	settlements *cache.LRUCache[int64, Settlement]
	logger      *applog.StructuredLogger

	locks  groupLocks
	flight singleflight.Group
	newID  func() string
}

// NewExpenseService wires the engine. publisher and settlements may be nil.
func NewExpenseService(store storage.Store, directory Directory, publisher EventPublisher, settlements *cache.LRUCache[int64, Settlement]) *ExpenseService {
	return &ExpenseService{
		store:       store,
		directory:   directory,
		publisher:   publisher,
		settlements: settlements,
		logger:      applog.NewStructuredLogger(applog.New(applog.Config{Handler: slog.Default().Handler(), Component: applog.ComponentExpense})),
		newID:       uuid.NewString,
	}
}

// CreateExpense validates the expense, records it and folds its debts into
// the group ledger. It returns the new expense id.
func (s *ExpenseService) CreateExpense(ctx context.Context, groupID int64, in ExpenseInput) (string, error) {
	e, edges, err := s.prepare(ctx, core.Expense{ID: s.newID(), GroupID: groupID, Version: 1}, in)
	if err != nil {
		return "", err
	}

	var version int64
	err = s.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		version = v
		if err := checkMembersInTx(ctx, tx, groupID, participants(in)); err != nil {
			return err
		}
		if err := tx.InsertExpense(ctx, e); err != nil {
			return err
		}
		if err := writeRows(ctx, tx, e.ID, nil, nil, nil, in.Payers, in.Beneficiaries, edges); err != nil {
			return err
		}
		return ledger.Apply(ctx, tx, groupID, edges)
	})
	if err != nil {
		return "", fmt.Errorf("create expense: %w", err)
	}

	s.logger.LogLedgerMutation(ctx, applog.OpCreate, groupID, e.ID, version, len(edges))
	s.publish(ctx, amqp.NewLedgerEvent(groupID, e.ID, amqp.OpExpenseCreated, version))
	return e.ID, nil
}

// UpdateExpense replaces the content of an active expense. The old shares
// are reversed and the new ones applied in the same unit of work.
func (s *ExpenseService) UpdateExpense(ctx context.Context, expenseID string, in ExpenseInput) error {
	current, err := s.activeExpense(ctx, expenseID)
	if err != nil {
		return err
	}
	groupID := current.GroupID
	e, edges, err := s.prepare(ctx, core.Expense{ID: expenseID, GroupID: groupID}, in)
	if err != nil {
		return err
	}

	var version int64
	err = s.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		version = v

		stored, err := tx.GetExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		if stored.Deleted {
			return core.Wrapf(core.ErrExpenseDeleted, "expense %s", expenseID)
		}
		if err := checkMembersInTx(ctx, tx, groupID, participants(in)); err != nil {
			return err
		}

		oldShares, err := tx.ListShares(ctx, expenseID)
		if err != nil {
			return err
		}
		if err := ledger.Reverse(ctx, tx, groupID, oldShares); err != nil {
			return err
		}
		oldPayers, err := tx.ListPayers(ctx, expenseID)
		if err != nil {
			return err
		}
		oldBens, err := tx.ListBeneficiaries(ctx, expenseID)
		if err != nil {
			return err
		}
		if err := writeRows(ctx, tx, expenseID, oldPayers, oldBens, oldShares, in.Payers, in.Beneficiaries, edges); err != nil {
			return err
		}
		if err := ledger.Apply(ctx, tx, groupID, edges); err != nil {
			return err
		}

		e.Version = stored.Version + 1
		return tx.UpdateExpense(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("update expense: %w", err)
	}

	s.logger.LogLedgerMutation(ctx, applog.OpUpdate, groupID, expenseID, version, len(edges))
	s.publish(ctx, amqp.NewLedgerEvent(groupID, expenseID, amqp.OpExpenseUpdated, version))
	return nil
}

// DeleteExpense reverses the expense's shares, removes its rows and leaves
// a tombstone. Deleting twice is a conflict.
func (s *ExpenseService) DeleteExpense(ctx context.Context, expenseID string) error {
	current, err := s.activeExpense(ctx, expenseID)
	if err != nil {
		return err
	}
	groupID := current.GroupID

	var version int64
	err = s.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		version = v
		return deleteInTx(ctx, tx, expenseID)
	})
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}

	s.logger.LogLedgerMutation(ctx, applog.OpDelete, groupID, expenseID, version, 0)
	s.publish(ctx, amqp.NewLedgerEvent(groupID, expenseID, amqp.OpExpenseDeleted, version))
	return nil
}

// DeleteAllExpenses deletes every active expense of the group through the
// single-expense path, in one unit of work.
func (s *ExpenseService) DeleteAllExpenses(ctx context.Context, groupID int64) error {
	var (
		version int64
		deleted int
	)
	err := s.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		version = v
		deleted, err = deleteAllInTx(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete group expenses: %w", err)
	}

	slog.InfoContext(ctx, "Group expenses deleted",
		applog.FieldGroupID, groupID,
		applog.FieldLedgerVersion, version,
		"count", deleted)
	s.publish(ctx, amqp.NewLedgerEvent(groupID, "", amqp.OpExpenseDeleted, version))
	return nil
}

// teardownGroup deletes the group's expenses, then its balance entries,
// memberships and the group itself.
func (s *ExpenseService) teardownGroup(ctx context.Context, groupID int64) error {
	var version int64
	err := s.inGroupTx(ctx, groupID, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		version = v
		if _, err := deleteAllInTx(ctx, tx, groupID); err != nil {
			return err
		}
		if err := tx.DeleteGroupBalances(ctx, groupID); err != nil {
			return err
		}
		return tx.DeleteGroup(ctx, groupID)
	})
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}

	s.logger.LogLedgerMutation(ctx, applog.OpTeardown, groupID, "", version, 0)
	s.publish(ctx, amqp.NewLedgerEvent(groupID, "", amqp.OpGroupDeleted, version))
	return nil
}

// GetExpense returns the expense with its rows. Tombstoned expenses are
// returned with Deleted set and no rows.
func (s *ExpenseService) GetExpense(ctx context.Context, expenseID string) (ExpenseDetail, error) {
	var detail ExpenseDetail
	err := s.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		e, err := tx.GetExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		detail.Expense = e
		if detail.Payers, err = tx.ListPayers(ctx, expenseID); err != nil {
			return err
		}
		if detail.Beneficiaries, err = tx.ListBeneficiaries(ctx, expenseID); err != nil {
			return err
		}
		if detail.Shares, err = tx.ListShares(ctx, expenseID); err != nil {
			return err
		}

		touched := make(map[core.PairKey]bool, len(detail.Shares))
		for _, sh := range detail.Shares {
			touched[sh.Key()] = true
		}
		entries, err := ledger.GroupBalances(ctx, tx, e.GroupID)
		if err != nil {
			return err
		}
		for _, be := range entries {
			if touched[core.PairKey{DebtorID: be.OwedBy, CreditorID: be.OwedTo}] {
				detail.Balances = append(detail.Balances, be)
			}
		}
		return nil
	})
	if err != nil {
		return ExpenseDetail{}, fmt.Errorf("get expense: %w", err)
	}
	return detail, nil
}

// GroupBalances returns every balance entry of the group.
func (s *ExpenseService) GroupBalances(ctx context.Context, groupID int64) ([]core.BalanceEntry, error) {
	var entries []core.BalanceEntry
	err := s.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetGroup(ctx, groupID); err != nil {
			return err
		}
		var err error
		entries, err = ledger.GroupBalances(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("group balances: %w", err)
	}
	return entries, nil
}

// UserBalances returns every entry the user is party to, across groups.
func (s *ExpenseService) UserBalances(ctx context.Context, userID int64) ([]core.BalanceEntry, error) {
	if _, err := s.directory.ResolveUser(ctx, userID); err != nil {
		return nil, err
	}
	var entries []core.BalanceEntry
	err := s.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		entries, err = ledger.UserBalances(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("user balances: %w", err)
	}
	return entries, nil
}

// SettleGroup computes the payment plan from a read snapshot. Concurrent
// calls for the same group share one computation, and a plan is reused while
// the group's ledger version is unchanged. The shared read does not inherit
// the cancellation of whichever caller started it; a cancelled caller stops
// waiting on its own.
func (s *ExpenseService) SettleGroup(ctx context.Context, groupID int64) (Settlement, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(strconv.FormatInt(groupID, 10), func() (any, error) {
		var plan Settlement
		err := s.readTx(shared, func(ctx context.Context, tx storage.Tx) error {
			g, err := tx.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if s.settlements != nil {
				if cached, ok := s.settlements.Get(groupID); ok && cached.LedgerVersion == g.LedgerVersion {
					plan = cached
					return nil
				}
			}
			entries, err := ledger.GroupBalances(ctx, tx, groupID)
			if err != nil {
				return err
			}
			positions := settle.NetPositions(entries)
			plan = Settlement{
				GroupID:       groupID,
				LedgerVersion: g.LedgerVersion,
				Positions:     positions,
				Payments:      settle.SettlePositions(positions),
			}
			if s.settlements != nil {
				s.settlements.Set(groupID, plan)
			}
			slog.DebugContext(ctx, "Group settled",
				applog.FieldGroupID, groupID,
				applog.FieldLedgerVersion, g.LedgerVersion,
				applog.FieldPayments, len(plan.Payments))
			return nil
		})
		return plan, err
	})
	select {
	case <-ctx.Done():
		return Settlement{}, fmt.Errorf("settle group: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Settlement{}, fmt.Errorf("settle group: %w", res.Err)
		}
		return res.Val.(Settlement), nil
	}
}

// prepare fills e from the input, validates it against the directory and
// computes the aggregated share rows. Nothing is written.
func (s *ExpenseService) prepare(ctx context.Context, e core.Expense, in ExpenseInput) (core.Expense, []core.DebtEdge, error) {
	st, err := core.ParseShareType(in.ShareType)
	if err != nil {
		return core.Expense{}, nil, err
	}
	e.Amount = in.Amount
	e.Description = strings.TrimSpace(in.Description)
	e.ShareType = st
	e.OccurredAt = in.OccurredAt
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, nil, err
	}
	if _, err := s.directory.ValidateGroupMembers(ctx, e.GroupID, participants(in)); err != nil {
		return core.Expense{}, nil, err
	}

	edges, err := split.ComputeShares(e.Amount, string(st), in.Payers, in.Beneficiaries)
	if err != nil {
		return core.Expense{}, nil, err
	}
	if st == core.Unequal {
		total := decimal.Zero
		for _, b := range in.Beneficiaries {
			total = total.Add(b.Weight)
		}
		if !total.Equal(e.Amount) {
			slog.WarnContext(ctx, "Beneficiary amounts do not sum to expense amount",
				applog.FieldGroupID, e.GroupID,
				applog.FieldExpenseID, e.ID,
				applog.FieldAmount, core.FormatAmount(e.Amount),
				"beneficiaries_total", core.FormatAmount(total))
		}
	}
	return e, split.Aggregate(edges), nil
}

// activeExpense reads the expense outside the unit of work to find its group.
func (s *ExpenseService) activeExpense(ctx context.Context, expenseID string) (core.Expense, error) {
	var e core.Expense
	err := s.readTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		e, err = tx.GetExpense(ctx, expenseID)
		return err
	})
	if err != nil {
		return core.Expense{}, err
	}
	if e.Deleted {
		return core.Expense{}, core.Wrapf(core.ErrExpenseDeleted, "expense %s", expenseID)
	}
	return e, nil
}

// inGroupTx runs fn in a read-write transaction while holding the group's
// in-process lock. The unit of work ignores caller cancellation so it always
// ends in commit or rollback.
func (s *ExpenseService) inGroupTx(ctx context.Context, groupID int64, fn func(context.Context, storage.Tx) error) error {
	unlock := s.locks.lock(groupID)
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if s.settlements != nil {
		s.settlements.Delete(groupID)
	}
	return nil
}

func (s *ExpenseService) readTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	tx, err := s.store.BeginReadTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(ctx, tx)
}

func (s *ExpenseService) publish(ctx context.Context, ev *amqp.LedgerEvent) {
	if s.publisher == nil {
		slog.DebugContext(ctx, "AMQP publisher not configured, skipping ledger event",
			applog.FieldGroupID, ev.GroupID)
		return
	}
	// The change is committed; a lost event only delays the export.
	if err := s.publisher.PublishLedgerEvent(context.WithoutCancel(ctx), ev); err != nil {
		slog.ErrorContext(ctx, "Failed to publish ledger event",
			applog.FieldGroupID, ev.GroupID,
			applog.FieldExpenseID, ev.ExpenseID,
			applog.FieldError, err)
	}
}

func deleteInTx(ctx context.Context, tx storage.Tx, expenseID string) error {
	e, err := tx.GetExpense(ctx, expenseID)
	if err != nil {
		return err
	}
	if e.Deleted {
		return core.Wrapf(core.ErrExpenseDeleted, "expense %s", expenseID)
	}

	shares, err := tx.ListShares(ctx, expenseID)
	if err != nil {
		return err
	}
	if err := ledger.Reverse(ctx, tx, e.GroupID, shares); err != nil {
		return err
	}
	payers, err := tx.ListPayers(ctx, expenseID)
	if err != nil {
		return err
	}
	bens, err := tx.ListBeneficiaries(ctx, expenseID)
	if err != nil {
		return err
	}
	if err := writeRows(ctx, tx, expenseID, payers, bens, shares, nil, nil, nil); err != nil {
		return err
	}

	e.Deleted = true
	e.Version++
	return tx.UpdateExpense(ctx, e)
}

func deleteAllInTx(ctx context.Context, tx storage.Tx, groupID int64) (int, error) {
	ids, err := tx.ActiveExpenseIDs(ctx, groupID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := deleteInTx(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// writeRows moves the expense's rows from the old set to the new one:
// rows absent from the new set are deleted, the rest are upserted.
func writeRows(ctx context.Context, tx storage.Tx, expenseID string,
	oldPayers []core.Payer, oldBens []core.Beneficiary, oldShares []core.DebtEdge,
	payers []core.Payer, bens []core.Beneficiary, shares []core.DebtEdge,
) error {
	keepPayer := make(map[int64]bool, len(payers))
	for _, p := range payers {
		keepPayer[p.UserID] = true
	}
	for _, p := range oldPayers {
		if !keepPayer[p.UserID] {
			if err := tx.DeletePayer(ctx, expenseID, p.UserID); err != nil {
				return err
			}
		}
	}

	keepBen := make(map[int64]bool, len(bens))
	for _, b := range bens {
		keepBen[b.UserID] = true
	}
	for _, b := range oldBens {
		if !keepBen[b.UserID] {
			if err := tx.DeleteBeneficiary(ctx, expenseID, b.UserID); err != nil {
				return err
			}
		}
	}

	keepShare := make(map[core.PairKey]bool, len(shares))
	for _, sh := range shares {
		keepShare[sh.Key()] = true
	}
	for _, sh := range oldShares {
		if !keepShare[sh.Key()] {
			if err := tx.DeleteShare(ctx, expenseID, sh.DebtorID, sh.CreditorID); err != nil {
				return err
			}
		}
	}

	for _, p := range payers {
		if err := tx.UpsertPayer(ctx, expenseID, p); err != nil {
			return err
		}
	}
	for _, b := range bens {
		if err := tx.UpsertBeneficiary(ctx, expenseID, b); err != nil {
			return err
		}
	}
	for _, sh := range shares {
		if err := tx.UpsertShare(ctx, expenseID, sh); err != nil {
			return err
		}
	}
	return nil
}

// checkMembersInTx repeats the membership check under the group lock so a
// concurrent member removal cannot slip in between.
func checkMembersInTx(ctx context.Context, tx storage.Tx, groupID int64, userIDs []int64) error {
	g, err := tx.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	members := make(map[int64]bool, len(g.Members))
	for _, m := range g.Members {
		members[m] = true
	}
	for _, id := range userIDs {
		if !members[id] {
			return core.Wrapf(core.ErrUserNotInGroup, "user %d, group %d", id, groupID)
		}
	}
	return nil
}

func participants(in ExpenseInput) []int64 {
	seen := make(map[int64]bool, len(in.Payers)+len(in.Beneficiaries))
	var ids []int64
	for _, p := range in.Payers {
		if !seen[p.UserID] {
			seen[p.UserID] = true
			ids = append(ids, p.UserID)
		}
	}
	for _, b := range in.Beneficiaries {
		if !seen[b.UserID] {
			seen[b.UserID] = true
			ids = append(ids, b.UserID)
		}
	}
	return ids
}

// groupLocks hands out one mutex per group.
type groupLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (g *groupLocks) lock(groupID int64) (unlock func()) {
	g.mu.Lock()
	if g.locks == nil {
		g.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := g.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[groupID] = l
	}
	g.mu.Unlock()

	l.Lock()
	return l.Unlock
}
