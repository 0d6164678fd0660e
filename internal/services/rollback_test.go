package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitledger/internal/adapters"
	"splitledger/internal/core"
	"splitledger/internal/storage"
	"splitledger/internal/storage/memory"
	"splitledger/internal/storage/storagetest"
)

var errDiskFull = errors.New("disk full")

// faultyStore wraps a store so write transactions fail after a number of
// balance or share writes, and so read transactions can be held at the door.
type faultyStore struct {
	storage.Store

	mu        sync.Mutex
	failAfter int // successful writes left before failing; negative disables
	failOn    string

	gate    chan struct{}
	started chan context.Context
}

func (s *faultyStore) arm(method string, after int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn, s.failAfter = method, after
}

func (s *faultyStore) disarm() { s.arm("", -1) }

func (s *faultyStore) write(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != method || s.failAfter < 0 {
		return nil
	}
	if s.failAfter == 0 {
		return errDiskFull
	}
	s.failAfter--
	return nil
}

// holdReads makes BeginReadTx report its context on started and wait for
// releaseReads.
func (s *faultyStore) holdReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.started = make(chan context.Context, 4)
}

func (s *faultyStore) releaseReads() { close(s.gate) }

func (s *faultyStore) BeginReadTx(ctx context.Context) (storage.Tx, error) {
	s.mu.Lock()
	gate, started := s.gate, s.started
	s.mu.Unlock()
	if gate != nil {
		started <- ctx
		<-gate
	}
	return s.Store.BeginReadTx(ctx)
}

func (s *faultyStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, store: s}, nil
}

type faultyTx struct {
	storage.Tx
	store *faultyStore
}

func (t *faultyTx) PutBalance(ctx context.Context, e core.BalanceEntry) error {
	if err := t.store.write("PutBalance"); err != nil {
		return err
	}
	return t.Tx.PutBalance(ctx, e)
}

func (t *faultyTx) UpsertShare(ctx context.Context, expenseID string, e core.DebtEdge) error {
	if err := t.store.write("UpsertShare"); err != nil {
		return err
	}
	return t.Tx.UpsertShare(ctx, expenseID, e)
}

type ledgerState struct {
	version  int64
	balances map[core.PairKey]string
}

func readLedger(t *testing.T, svc *ExpenseService, groups *GroupService, groupID int64) ledgerState {
	t.Helper()
	ctx := context.Background()
	g, err := groups.GetGroup(ctx, groupID)
	require.NoError(t, err)
	entries, err := svc.GroupBalances(ctx, groupID)
	require.NoError(t, err)
	st := ledgerState{version: g.LedgerVersion, balances: map[core.PairKey]string{}}
	for _, e := range entries {
		st.balances[core.PairKey{DebtorID: e.OwedBy, CreditorID: e.OwedTo}] = e.Amount.StringFixed(2)
	}
	return st
}

func TestMutations_FailedWriteLeavesLedgerUntouched(t *testing.T) {
	stores := map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.New() },
		"sqlite": func(t *testing.T) storage.Store {
			s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	type env struct {
		svc      *ExpenseService
		groupID  int64
		a, b, c  int64
		existing []string
	}
	mutations := []struct {
		name   string
		method string
		run    func(ctx context.Context, e env) error
	}{
		{"create", "PutBalance", func(ctx context.Context, e env) error {
			_, err := e.svc.CreateExpense(ctx, e.groupID, equalInput("60", e.b, e.a, e.b, e.c))
			return err
		}},
		{"create share rows", "UpsertShare", func(ctx context.Context, e env) error {
			_, err := e.svc.CreateExpense(ctx, e.groupID, equalInput("60", e.b, e.a, e.b, e.c))
			return err
		}},
		{"update", "PutBalance", func(ctx context.Context, e env) error {
			return e.svc.UpdateExpense(ctx, e.existing[0], equalInput("45", e.c, e.a, e.b, e.c))
		}},
		{"delete", "PutBalance", func(ctx context.Context, e env) error {
			return e.svc.DeleteExpense(ctx, e.existing[0])
		}},
		{"delete all", "PutBalance", func(ctx context.Context, e env) error {
			return e.svc.DeleteAllExpenses(ctx, e.groupID)
		}},
	}

	for storeName, open := range stores {
		for _, m := range mutations {
			t.Run(storeName+"/"+m.name, func(t *testing.T) {
				ctx := context.Background()
				base := open(t)
				g, users := storagetest.Seed(t, base, "ann", "bob", "cid")
				fs := &faultyStore{Store: base, failAfter: -1}
				pub := &fakePublisher{}
				svc := NewExpenseService(fs, adapters.NewStoreDirectory(fs), pub, nil)
				groups := NewGroupService(fs, svc)
				e := env{svc: svc, groupID: g.ID, a: users[0].ID, b: users[1].ID, c: users[2].ID}

				for _, in := range []ExpenseInput{
					equalInput("90", e.a, e.a, e.b, e.c),
					equalInput("30", e.b, e.a, e.b),
				} {
					id, err := svc.CreateExpense(ctx, g.ID, in)
					require.NoError(t, err)
					e.existing = append(e.existing, id)
				}
				before := readLedger(t, svc, groups, g.ID)
				detailBefore, err := svc.GetExpense(ctx, e.existing[0])
				require.NoError(t, err)
				events := len(pub.events)

				fs.arm(m.method, 1)
				err = m.run(ctx, e)
				require.Error(t, err)
				assert.ErrorIs(t, err, errDiskFull)
				assert.Equal(t, core.KindInfrastructure, core.KindOf(err))

				fs.disarm()
				assert.Equal(t, before, readLedger(t, svc, groups, g.ID))
				detailAfter, err := svc.GetExpense(ctx, e.existing[0])
				require.NoError(t, err)
				assert.False(t, detailAfter.Expense.Deleted)
				assert.True(t, detailBefore.Expense.Amount.Equal(detailAfter.Expense.Amount))
				assert.Len(t, detailAfter.Shares, len(detailBefore.Shares))
				assert.Len(t, pub.events, events, "no event for a rolled back mutation")

				require.NoError(t, svc.DeleteAllExpenses(ctx, g.ID))
				after := readLedger(t, svc, groups, g.ID)
				require.NotEmpty(t, after.balances)
				for pair, amount := range after.balances {
					assert.Equal(t, "0.00", amount, "%d->%d", pair.DebtorID, pair.CreditorID)
				}
			})
		}
	}
}

func TestSettleGroup_SharedReadOutlivesCancelledCaller(t *testing.T) {
	bg := context.Background()
	base := memory.New()
	g, users := storagetest.Seed(t, base, "ann", "bob")
	fs := &faultyStore{Store: base, failAfter: -1}
	svc := NewExpenseService(fs, adapters.NewStoreDirectory(fs), nil, nil)
	_, err := svc.CreateExpense(bg, g.ID, equalInput("20", users[0].ID, users[0].ID, users[1].ID))
	require.NoError(t, err)

	fs.holdReads()
	ctx, cancel := context.WithCancel(bg)
	first := make(chan error, 1)
	go func() {
		_, err := svc.SettleGroup(ctx, g.ID)
		first <- err
	}()
	readCtx := <-fs.started
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	type result struct {
		plan Settlement
		err  error
	}
	second := make(chan result, 1)
	go func() {
		plan, err := svc.SettleGroup(bg, g.ID)
		second <- result{plan, err}
	}()
	fs.releaseReads()

	res := <-second
	require.NoError(t, res.err)
	require.Len(t, res.plan.Payments, 1)
	assert.True(t, res.plan.Payments[0].Amount.Equal(d("10")))
	assert.NoError(t, readCtx.Err(), "shared read must not see the first caller's cancellation")
}
