package ledger

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitledger/internal/core"
)

type fakeBook struct {
	entries map[core.PairKey]core.BalanceEntry
	reads   int
	failPut error
}

func newFakeBook() *fakeBook {
	return &fakeBook{entries: map[core.PairKey]core.BalanceEntry{}}
}

func (f *fakeBook) GetBalance(_ context.Context, groupID, owedBy, owedTo int64) (decimal.Decimal, bool, error) {
	f.reads++
	e, ok := f.entries[core.PairKey{DebtorID: owedBy, CreditorID: owedTo}]
	if !ok {
		return decimal.Zero, false, nil
	}
	return e.Amount, true, nil
}

func (f *fakeBook) PutBalance(_ context.Context, e core.BalanceEntry) error {
	if f.failPut != nil {
		return f.failPut
	}
	f.entries[core.PairKey{DebtorID: e.OwedBy, CreditorID: e.OwedTo}] = e
	return nil
}

func (f *fakeBook) GroupBalances(_ context.Context, groupID int64) ([]core.BalanceEntry, error) {
	var out []core.BalanceEntry
	for _, e := range f.entries {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return core.PairKey{DebtorID: out[i].OwedBy, CreditorID: out[i].OwedTo}.
			Less(core.PairKey{DebtorID: out[j].OwedBy, CreditorID: out[j].OwedTo})
	})
	return out, nil
}

func (f *fakeBook) UserBalances(_ context.Context, userID int64) ([]core.BalanceEntry, error) {
	var out []core.BalanceEntry
	for _, e := range f.entries {
		if e.OwedBy == userID || e.OwedTo == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func amountOf(t *testing.T, f *fakeBook, debtor, creditor int64) decimal.Decimal {
	t.Helper()
	e, ok := f.entries[core.PairKey{DebtorID: debtor, CreditorID: creditor}]
	require.True(t, ok, "no entry %d->%d", debtor, creditor)
	return e.Amount
}

func TestApplyDelta_CreatesLazilyAndAccumulates(t *testing.T) {
	ctx := context.Background()
	book := newFakeBook()

	require.NoError(t, ApplyDelta(ctx, book, 1, 2, 1, d("30")))
	require.NoError(t, ApplyDelta(ctx, book, 1, 2, 1, d("12.50")))
	require.NoError(t, ApplyDelta(ctx, book, 1, 1, 2, d("20")))

	assert.True(t, amountOf(t, book, 2, 1).Equal(d("42.50")))
	assert.True(t, amountOf(t, book, 1, 2).Equal(d("20")), "mirror entry is kept separately")
}

func TestApplyDelta_NoFloorAtZero(t *testing.T) {
	ctx := context.Background()
	book := newFakeBook()

	require.NoError(t, ReverseDelta(ctx, book, 1, 2, 1, d("5")))
	assert.True(t, amountOf(t, book, 2, 1).Equal(d("-5")))
}

func TestApplyDelta_RejectsSelfEdge(t *testing.T) {
	err := ApplyDelta(context.Background(), newFakeBook(), 1, 3, 3, d("1"))
	assert.Error(t, err)
}

func TestApplyDelta_PropagatesWriteFailure(t *testing.T) {
	book := newFakeBook()
	book.failPut = errors.New("disk full")

	err := ApplyDelta(context.Background(), book, 1, 2, 1, d("1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, book.failPut)
}

func TestApplyThenReverse_ReturnsToZero(t *testing.T) {
	ctx := context.Background()
	book := newFakeBook()
	edges := []core.DebtEdge{
		{DebtorID: 2, CreditorID: 1, Amount: d("30")},
		{DebtorID: 1, CreditorID: 2, Amount: d("20")},
		{DebtorID: 3, CreditorID: 1, Amount: d("33.33")},
	}

	require.NoError(t, Apply(ctx, book, 7, edges))
	require.NoError(t, Apply(ctx, book, 7, edges[:1]))
	require.NoError(t, Reverse(ctx, book, 7, edges))
	require.NoError(t, Reverse(ctx, book, 7, edges[:1]))

	entries, err := GroupBalances(ctx, book, 7)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.True(t, e.Amount.IsZero(), "%d->%d left at %s", e.OwedBy, e.OwedTo, e.Amount)
	}
	assert.Empty(t, Outstanding(entries))
}

func TestReads_DoNotMutate(t *testing.T) {
	ctx := context.Background()
	book := newFakeBook()
	require.NoError(t, ApplyDelta(ctx, book, 1, 2, 1, d("10")))
	before := len(book.entries)

	_, err := GroupBalances(ctx, book, 1)
	require.NoError(t, err)
	mine, err := UserBalances(ctx, book, 2)
	require.NoError(t, err)

	assert.Len(t, mine, 1)
	assert.Equal(t, before, len(book.entries))
}
