// Package split turns one expense into the pairwise debts it creates.
//
// Every function here is pure. Amounts are allocated in whole currency units
// with the largest-remainder method, so the slices of any total always add up
// to that total exactly.
package split

import (
	"sort"

	"github.com/shopspring/decimal"

	"splitledger/internal/core"
)

// ComputeShares validates an expense and returns its debt edges.
//
// For each beneficiary B and payer P with B != P it emits B -> P for the
// slice of B's share attributable to P, i.e. c_P / amount * w_B. When the
// shares add up to the amount, B's slices sum to w_B and the slices credited
// to P, including P's own dropped slice, sum to c_P. The output is not
// aggregated: callers sum repeated pairs with Aggregate.
func ComputeShares(amount decimal.Decimal, shareType string, payers []core.Payer, beneficiaries []core.Beneficiary) ([]core.DebtEdge, error) {
	st, err := core.ParseShareType(shareType)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := validatePayers(amount, payers); err != nil {
		return nil, err
	}
	owed, err := AbsoluteShares(amount, st, beneficiaries)
	if err != nil {
		return nil, err
	}

	ordered := sortedPayers(payers)
	contributions := make([]decimal.Decimal, len(ordered))
	for i, p := range ordered {
		contributions[i] = p.Amount
	}
	weights := make([]decimal.Decimal, len(owed))
	for i, b := range owed {
		weights[i] = b.Weight
	}

	var slices [][]decimal.Decimal
	if core.Sum(weights...).Equal(amount) {
		slices = allocateMatrix(weights, contributions)
	} else {
		slices = make([][]decimal.Decimal, len(owed))
		for i, w := range weights {
			slices[i] = allocate(w, contributions)
		}
	}

	var edges []core.DebtEdge
	for i, b := range owed {
		for j, p := range ordered {
			if p.UserID == b.UserID || slices[i][j].IsZero() {
				continue
			}
			edges = append(edges, core.DebtEdge{
				DebtorID:   b.UserID,
				CreditorID: p.UserID,
				Amount:     slices[i][j],
			})
		}
	}
	return edges, nil
}

// AbsoluteShares resolves beneficiary weights into the amount each one owes,
// ordered by user id.
//
// EQUAL ignores weights and splits evenly; leftover units go one at a time to
// the lowest user ids. PERCENTAGE requires the weights to sum to exactly 100.
// UNEQUAL weights are amounts already and are not checked against the total.
func AbsoluteShares(amount decimal.Decimal, st core.ShareType, beneficiaries []core.Beneficiary) ([]core.Beneficiary, error) {
	if len(beneficiaries) == 0 {
		return nil, core.ErrEmptyBeneficiaries
	}
	ordered := make([]core.Beneficiary, len(beneficiaries))
	copy(ordered, beneficiaries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].UserID < ordered[j].UserID })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].UserID == ordered[i-1].UserID {
			return nil, core.Wrapf(core.ErrDuplicateParticipant, "beneficiary %d", ordered[i].UserID)
		}
	}

	switch st {
	case core.Equal:
		ones := make([]decimal.Decimal, len(ordered))
		for i := range ones {
			ones[i] = decimal.NewFromInt(1)
		}
		return withWeights(ordered, allocate(amount, ones)), nil

	case core.Percentage:
		weights := make([]decimal.Decimal, len(ordered))
		for i, b := range ordered {
			if b.Weight.IsNegative() || b.Weight.GreaterThan(core.Hundred) {
				return nil, core.Wrapf(core.ErrInvalidWeight, "percentage %s for user %d is outside 0-100", b.Weight, b.UserID)
			}
			weights[i] = b.Weight
		}
		if sum := core.Sum(weights...); !sum.Equal(core.Hundred) {
			return nil, core.Wrapf(core.ErrPercentageSumInvalid, "got %s", sum)
		}
		return withWeights(ordered, allocate(amount, weights)), nil

	case core.Unequal:
		for _, b := range ordered {
			if b.Weight.IsNegative() || !core.IsWholeUnits(b.Weight) {
				return nil, core.Wrapf(core.ErrInvalidWeight, "amount %s for user %d", b.Weight, b.UserID)
			}
		}
		return ordered, nil
	}
	return nil, core.Wrapf(core.ErrInvalidShareType, "%q", st)
}

// Aggregate sums edges by (debtor, creditor) and returns them ordered by
// debtor then creditor. Self edges and zero sums are dropped.
func Aggregate(edges []core.DebtEdge) []core.DebtEdge {
	sums := make(map[core.PairKey]decimal.Decimal, len(edges))
	for _, e := range edges {
		if e.DebtorID == e.CreditorID {
			continue
		}
		k := e.Key()
		sums[k] = sums[k].Add(e.Amount)
	}
	keys := make([]core.PairKey, 0, len(sums))
	for k, v := range sums {
		if v.IsZero() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	out := make([]core.DebtEdge, len(keys))
	for i, k := range keys {
		out[i] = core.DebtEdge{DebtorID: k.DebtorID, CreditorID: k.CreditorID, Amount: sums[k]}
	}
	return out
}

func validatePayers(amount decimal.Decimal, payers []core.Payer) error {
	if len(payers) == 0 {
		return core.ErrEmptyPayers
	}
	seen := make(map[int64]struct{}, len(payers))
	total := decimal.Zero
	for _, p := range payers {
		if _, dup := seen[p.UserID]; dup {
			return core.Wrapf(core.ErrDuplicateParticipant, "payer %d", p.UserID)
		}
		seen[p.UserID] = struct{}{}
		if err := core.ValidateAmount(p.Amount); err != nil {
			return err
		}
		total = total.Add(p.Amount)
	}
	if !total.Equal(amount) {
		return core.Wrapf(core.ErrPayerAmountMismatch, "payers sum to %s, expense amount is %s", total, amount)
	}
	return nil
}

func sortedPayers(payers []core.Payer) []core.Payer {
	out := make([]core.Payer, len(payers))
	copy(out, payers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func withWeights(bs []core.Beneficiary, amounts []decimal.Decimal) []core.Beneficiary {
	out := make([]core.Beneficiary, len(bs))
	for i, b := range bs {
		out[i] = core.Beneficiary{UserID: b.UserID, Weight: amounts[i]}
	}
	return out
}

// allocate splits total proportionally to weights in whole currency units.
// Each slice is first rounded down; the leftover units go to the largest
// remainders, earlier positions winning ties.
func allocate(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	for i := range out {
		out[i] = decimal.Zero
	}
	sumW := core.Sum(weights...)
	if !sumW.IsPositive() {
		return out
	}

	type remainder struct {
		idx int
		r   decimal.Decimal
	}
	rems := make([]remainder, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		q, r := total.Mul(w).QuoRem(sumW, core.CurrencyScale)
		out[i] = q
		allocated = allocated.Add(q)
		rems[i] = remainder{idx: i, r: r}
	}

	left := total.Sub(allocated)
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].r.GreaterThan(rems[b].r) })
	for k := 0; left.IsPositive() && k < len(rems); k++ {
		if weights[rems[k].idx].IsZero() {
			continue
		}
		out[rems[k].idx] = out[rems[k].idx].Add(core.Unit)
		left = left.Sub(core.Unit)
	}
	return out
}

// allocateMatrix splits every row total across the columns proportionally to
// the column totals. Both row and column sums come out exact; it requires
// sum(rows) == sum(cols).
func allocateMatrix(rows, cols []decimal.Decimal) [][]decimal.Decimal {
	total := core.Sum(cols...)
	cells := make([][]decimal.Decimal, len(rows))
	rems := make([][]decimal.Decimal, len(rows))
	rowLeft := make([]decimal.Decimal, len(rows))
	colLeft := make([]decimal.Decimal, len(cols))
	copy(rowLeft, rows)
	copy(colLeft, cols)

	for i, w := range rows {
		cells[i] = make([]decimal.Decimal, len(cols))
		rems[i] = make([]decimal.Decimal, len(cols))
		for j, c := range cols {
			q, r := w.Mul(c).QuoRem(total, core.CurrencyScale)
			cells[i][j] = q
			rems[i][j] = r
			rowLeft[i] = rowLeft[i].Sub(q)
			colLeft[j] = colLeft[j].Sub(q)
		}
	}

	// Remaining units: per row, largest remainders first among columns that
	// still have room, then any column with room.
	for i := range rows {
		order := make([]int, len(cols))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool { return rems[i][order[a]].GreaterThan(rems[i][order[b]]) })
		for _, j := range order {
			if !rowLeft[i].IsPositive() {
				break
			}
			if colLeft[j].IsPositive() {
				cells[i][j] = cells[i][j].Add(core.Unit)
				rowLeft[i] = rowLeft[i].Sub(core.Unit)
				colLeft[j] = colLeft[j].Sub(core.Unit)
			}
		}
		for j := 0; rowLeft[i].IsPositive() && j < len(cols); {
			if !colLeft[j].IsPositive() {
				j++
				continue
			}
			cells[i][j] = cells[i][j].Add(core.Unit)
			rowLeft[i] = rowLeft[i].Sub(core.Unit)
			colLeft[j] = colLeft[j].Sub(core.Unit)
		}
	}
	return cells
}
