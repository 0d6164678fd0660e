// Package memory is an in-process storage.Store for development and tests.
//
// A write transaction works on a private copy of the committed state and
// publishes it on Commit; writers are serialized by a mutex. Read
// transactions see the committed state as of BeginReadTx.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"splitledger/internal/core"
	"splitledger/internal/storage"
)

var (
	errReadOnly = errors.New("write on read-only transaction")
	errTxDone   = errors.New("transaction already committed or rolled back")
)

type Store struct {
	writer sync.Mutex

	mu        sync.RWMutex
	committed *state
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{committed: newState()}
}

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writer.Lock()
	s.mu.RLock()
	working := s.committed.clone()
	s.mu.RUnlock()
	return &tx{store: s, st: working}, nil
}

func (s *Store) BeginReadTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snapshot := s.committed
	s.mu.RUnlock()
	return &tx{store: s, st: snapshot, readOnly: true}, nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

type expenseRow struct {
	expense core.Expense
	seq     int64
}

type state struct {
	seq         int64
	nextUserID  int64
	nextGroupID int64

	users    map[int64]core.User
	groups   map[int64]core.Group
	members  map[int64]map[int64]struct{}
	expenses map[string]expenseRow

	payers        map[string]map[int64]decimal.Decimal
	beneficiaries map[string]map[int64]decimal.Decimal
	shares        map[string]map[core.PairKey]decimal.Decimal
	balances      map[int64]map[core.PairKey]decimal.Decimal
}

func newState() *state {
	return &state{
		users:         map[int64]core.User{},
		groups:        map[int64]core.Group{},
		members:       map[int64]map[int64]struct{}{},
		expenses:      map[string]expenseRow{},
		payers:        map[string]map[int64]decimal.Decimal{},
		beneficiaries: map[string]map[int64]decimal.Decimal{},
		shares:        map[string]map[core.PairKey]decimal.Decimal{},
		balances:      map[int64]map[core.PairKey]decimal.Decimal{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq, c.nextUserID, c.nextGroupID = s.seq, s.nextUserID, s.nextGroupID
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	for k, v := range s.members {
		c.members[k] = cloneMap(v)
	}
	for k, v := range s.payers {
		c.payers[k] = cloneMap(v)
	}
	for k, v := range s.beneficiaries {
		c.beneficiaries[k] = cloneMap(v)
	}
	for k, v := range s.shares {
		c.shares[k] = cloneMap(v)
	}
	for k, v := range s.balances {
		c.balances[k] = cloneMap(v)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type tx struct {
	store    *Store
	st       *state
	readOnly bool
	done     bool
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if t.readOnly {
		return nil
	}
	t.store.mu.Lock()
	t.store.committed = t.st
	t.store.mu.Unlock()
	t.store.writer.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if !t.readOnly {
		t.store.writer.Unlock()
	}
	return nil
}

func (t *tx) writable() error {
	if t.done {
		return errTxDone
	}
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// Directory

func (t *tx) CreateUser(_ context.Context, u core.User) (core.User, error) {
	if err := t.writable(); err != nil {
		return core.User{}, err
	}
	for _, existing := range t.st.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return core.User{}, core.Wrapf(core.ErrAlreadyExists, "user with email %s", u.Email)
		}
	}
	t.st.nextUserID++
	u.ID = t.st.nextUserID
	t.st.users[u.ID] = u
	return u, nil
}

func (t *tx) GetUser(_ context.Context, id int64) (core.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return core.User{}, core.Wrapf(core.ErrUserNotFound, "user %d", id)
	}
	return u, nil
}

func (t *tx) DeleteUser(_ context.Context, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.users[id]; !ok {
		return core.Wrapf(core.ErrUserNotFound, "user %d", id)
	}
	delete(t.st.users, id)
	return nil
}

func (t *tx) CreateGroup(_ context.Context, g core.Group) (core.Group, error) {
	if err := t.writable(); err != nil {
		return core.Group{}, err
	}
	t.st.nextGroupID++
	g.ID = t.st.nextGroupID
	g.LedgerVersion = 0
	g.Members = nil
	t.st.groups[g.ID] = g
	t.st.members[g.ID] = map[int64]struct{}{}
	return g, nil
}

func (t *tx) GetGroup(_ context.Context, id int64) (core.Group, error) {
	g, ok := t.st.groups[id]
	if !ok {
		return core.Group{}, core.Wrapf(core.ErrGroupNotFound, "group %d", id)
	}
	g.Members = sortedKeys(t.st.members[id])
	return g, nil
}

func (t *tx) DeleteGroup(_ context.Context, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.groups[id]; !ok {
		return core.Wrapf(core.ErrGroupNotFound, "group %d", id)
	}
	for eid, row := range t.st.expenses {
		if row.expense.GroupID != id {
			continue
		}
		delete(t.st.expenses, eid)
		delete(t.st.payers, eid)
		delete(t.st.beneficiaries, eid)
		delete(t.st.shares, eid)
	}
	delete(t.st.balances, id)
	delete(t.st.members, id)
	delete(t.st.groups, id)
	return nil
}

func (t *tx) GroupsCreatedBy(_ context.Context, userID int64) ([]int64, error) {
	var ids []int64
	for id, g := range t.st.groups {
		if g.CreatedBy == userID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) GroupsOfUser(_ context.Context, userID int64) ([]int64, error) {
	var ids []int64
	for gid, m := range t.st.members {
		if _, ok := m[userID]; ok {
			ids = append(ids, gid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) AddMember(_ context.Context, groupID, userID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	m, ok := t.st.members[groupID]
	if !ok {
		return core.Wrapf(core.ErrGroupNotFound, "group %d", groupID)
	}
	if _, ok := t.st.users[userID]; !ok {
		return core.Wrapf(core.ErrUserNotFound, "user %d", userID)
	}
	if _, dup := m[userID]; dup {
		return core.Wrapf(core.ErrAlreadyExists, "user %d already in group %d", userID, groupID)
	}
	m[userID] = struct{}{}
	return nil
}

func (t *tx) RemoveMember(_ context.Context, groupID, userID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	m := t.st.members[groupID]
	if _, ok := m[userID]; !ok {
		return core.Wrapf(core.ErrUserNotInGroup, "user %d, group %d", userID, groupID)
	}
	delete(m, userID)
	for k := range t.st.balances[groupID] {
		if k.DebtorID == userID || k.CreditorID == userID {
			delete(t.st.balances[groupID], k)
		}
	}
	return nil
}

func (t *tx) MemberHasActivity(_ context.Context, groupID, userID int64) (bool, error) {
	for eid, row := range t.st.expenses {
		if row.expense.GroupID != groupID || row.expense.Deleted {
			continue
		}
		if _, ok := t.st.payers[eid][userID]; ok {
			return true, nil
		}
		if _, ok := t.st.beneficiaries[eid][userID]; ok {
			return true, nil
		}
	}
	for k, amount := range t.st.balances[groupID] {
		if (k.DebtorID == userID || k.CreditorID == userID) && !amount.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) LockGroup(_ context.Context, groupID int64) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	g, ok := t.st.groups[groupID]
	if !ok {
		return 0, core.Wrapf(core.ErrGroupNotFound, "group %d", groupID)
	}
	g.LedgerVersion++
	t.st.groups[groupID] = g
	return g.LedgerVersion, nil
}

// Expenses

func (t *tx) InsertExpense(_ context.Context, e core.Expense) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, dup := t.st.expenses[e.ID]; dup {
		return core.Wrapf(core.ErrAlreadyExists, "expense %s", e.ID)
	}
	if _, ok := t.st.groups[e.GroupID]; !ok {
		return core.Wrapf(core.ErrGroupNotFound, "group %d", e.GroupID)
	}
	t.st.seq++
	t.st.expenses[e.ID] = expenseRow{expense: e, seq: t.st.seq}
	t.st.payers[e.ID] = map[int64]decimal.Decimal{}
	t.st.beneficiaries[e.ID] = map[int64]decimal.Decimal{}
	t.st.shares[e.ID] = map[core.PairKey]decimal.Decimal{}
	return nil
}

func (t *tx) GetExpense(_ context.Context, id string) (core.Expense, error) {
	row, ok := t.st.expenses[id]
	if !ok {
		return core.Expense{}, core.Wrapf(core.ErrExpenseNotFound, "expense %s", id)
	}
	return row.expense, nil
}

func (t *tx) UpdateExpense(_ context.Context, e core.Expense) error {
	if err := t.writable(); err != nil {
		return err
	}
	row, ok := t.st.expenses[e.ID]
	if !ok {
		return core.Wrapf(core.ErrExpenseNotFound, "expense %s", e.ID)
	}
	e.GroupID = row.expense.GroupID
	row.expense = e
	t.st.expenses[e.ID] = row
	return nil
}

func (t *tx) ActiveExpenseIDs(_ context.Context, groupID int64) ([]string, error) {
	var rows []expenseRow
	for _, row := range t.st.expenses {
		if row.expense.GroupID == groupID && !row.expense.Deleted {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.expense.ID
	}
	return ids, nil
}

func (t *tx) ListPayers(_ context.Context, expenseID string) ([]core.Payer, error) {
	m := t.st.payers[expenseID]
	out := make([]core.Payer, 0, len(m))
	for _, uid := range sortedKeys(m) {
		out = append(out, core.Payer{UserID: uid, Amount: m[uid]})
	}
	return out, nil
}

func (t *tx) UpsertPayer(_ context.Context, expenseID string, p core.Payer) error {
	if err := t.writable(); err != nil {
		return err
	}
	m, ok := t.st.payers[expenseID]
	if !ok {
		return core.Wrapf(core.ErrExpenseNotFound, "expense %s", expenseID)
	}
	m[p.UserID] = p.Amount
	return nil
}

func (t *tx) DeletePayer(_ context.Context, expenseID string, userID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.payers[expenseID], userID)
	return nil
}

func (t *tx) ListBeneficiaries(_ context.Context, expenseID string) ([]core.Beneficiary, error) {
	m := t.st.beneficiaries[expenseID]
	out := make([]core.Beneficiary, 0, len(m))
	for _, uid := range sortedKeys(m) {
		out = append(out, core.Beneficiary{UserID: uid, Weight: m[uid]})
	}
	return out, nil
}

func (t *tx) UpsertBeneficiary(_ context.Context, expenseID string, b core.Beneficiary) error {
	if err := t.writable(); err != nil {
		return err
	}
	m, ok := t.st.beneficiaries[expenseID]
	if !ok {
		return core.Wrapf(core.ErrExpenseNotFound, "expense %s", expenseID)
	}
	m[b.UserID] = b.Weight
	return nil
}

func (t *tx) DeleteBeneficiary(_ context.Context, expenseID string, userID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.beneficiaries[expenseID], userID)
	return nil
}

func (t *tx) ListShares(_ context.Context, expenseID string) ([]core.DebtEdge, error) {
	m := t.st.shares[expenseID]
	keys := sortedPairs(m)
	out := make([]core.DebtEdge, len(keys))
	for i, k := range keys {
		out[i] = core.DebtEdge{DebtorID: k.DebtorID, CreditorID: k.CreditorID, Amount: m[k]}
	}
	return out, nil
}

func (t *tx) UpsertShare(_ context.Context, expenseID string, e core.DebtEdge) error {
	if err := t.writable(); err != nil {
		return err
	}
	m, ok := t.st.shares[expenseID]
	if !ok {
		return core.Wrapf(core.ErrExpenseNotFound, "expense %s", expenseID)
	}
	m[e.Key()] = e.Amount
	return nil
}

func (t *tx) DeleteShare(_ context.Context, expenseID string, debtorID, creditorID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.shares[expenseID], core.PairKey{DebtorID: debtorID, CreditorID: creditorID})
	return nil
}

// Balances

func (t *tx) GetBalance(_ context.Context, groupID, owedBy, owedTo int64) (decimal.Decimal, bool, error) {
	amount, ok := t.st.balances[groupID][core.PairKey{DebtorID: owedBy, CreditorID: owedTo}]
	if !ok {
		return decimal.Zero, false, nil
	}
	return amount, true, nil
}

func (t *tx) PutBalance(_ context.Context, e core.BalanceEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.groups[e.GroupID]; !ok {
		return core.Wrapf(core.ErrGroupNotFound, "group %d", e.GroupID)
	}
	m, ok := t.st.balances[e.GroupID]
	if !ok {
		m = map[core.PairKey]decimal.Decimal{}
		t.st.balances[e.GroupID] = m
	}
	m[core.PairKey{DebtorID: e.OwedBy, CreditorID: e.OwedTo}] = e.Amount
	return nil
}

func (t *tx) GroupBalances(_ context.Context, groupID int64) ([]core.BalanceEntry, error) {
	m := t.st.balances[groupID]
	keys := sortedPairs(m)
	out := make([]core.BalanceEntry, len(keys))
	for i, k := range keys {
		out[i] = core.BalanceEntry{GroupID: groupID, OwedBy: k.DebtorID, OwedTo: k.CreditorID, Amount: m[k]}
	}
	return out, nil
}

func (t *tx) UserBalances(_ context.Context, userID int64) ([]core.BalanceEntry, error) {
	gids := make([]int64, 0, len(t.st.balances))
	for gid := range t.st.balances {
		gids = append(gids, gid)
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })

	var out []core.BalanceEntry
	for _, gid := range gids {
		m := t.st.balances[gid]
		for _, k := range sortedPairs(m) {
			if k.DebtorID != userID && k.CreditorID != userID {
				continue
			}
			out = append(out, core.BalanceEntry{GroupID: gid, OwedBy: k.DebtorID, OwedTo: k.CreditorID, Amount: m[k]})
		}
	}
	return out, nil
}

func (t *tx) DeleteGroupBalances(_ context.Context, groupID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.balances, groupID)
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedPairs(m map[core.PairKey]decimal.Decimal) []core.PairKey {
	keys := make([]core.PairKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
