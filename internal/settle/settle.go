// Package settle reduces a group's balances to a short list of payments.
package settle

import (
	"sort"

	"github.com/shopspring/decimal"

	"splitledger/internal/core"
)

// Position is a member's net standing: positive when owed money, negative
// when owing.
type Position struct {
	UserID int64           `json:"user_id"`
	Net    decimal.Decimal `json:"net"`
}

// NetPositions sums each member's entries: owed to them minus owed by them.
// Members whose net is exactly zero are kept. The result is ordered by user id.
func NetPositions(entries []core.BalanceEntry) []Position {
	net := map[int64]decimal.Decimal{}
	for _, e := range entries {
		net[e.OwedTo] = net[e.OwedTo].Add(e.Amount)
		net[e.OwedBy] = net[e.OwedBy].Sub(e.Amount)
	}
	out := make([]Position, 0, len(net))
	for id, v := range net {
		out = append(out, Position{UserID: id, Net: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Settle computes the payments that clear the given balance entries.
func Settle(entries []core.BalanceEntry) []core.Payment {
	return SettlePositions(NetPositions(entries))
}

type party struct {
	id     int64
	amount decimal.Decimal
}

// SettlePositions greedily pairs the largest debtor with the largest
// creditor, lower user id first on ties, and pays the smaller of the two.
// Every step clears at least one party, so n members need at most n-1
// payments when the positions sum to zero.
func SettlePositions(positions []Position) []core.Payment {
	var debtors, creditors []party
	for _, p := range positions {
		switch {
		case p.Net.IsNegative():
			debtors = append(debtors, party{id: p.UserID, amount: p.Net.Neg()})
		case p.Net.IsPositive():
			creditors = append(creditors, party{id: p.UserID, amount: p.Net})
		}
	}

	var payments []core.Payment
	for len(debtors) > 0 && len(creditors) > 0 {
		di := largest(debtors)
		ci := largest(creditors)
		pay := decimal.Min(debtors[di].amount, creditors[ci].amount)

		payments = append(payments, core.Payment{
			From:   debtors[di].id,
			To:     creditors[ci].id,
			Amount: pay,
		})

		debtors[di].amount = debtors[di].amount.Sub(pay)
		creditors[ci].amount = creditors[ci].amount.Sub(pay)
		if debtors[di].amount.IsZero() {
			debtors = remove(debtors, di)
		}
		if creditors[ci].amount.IsZero() {
			creditors = remove(creditors, ci)
		}
	}
	return payments
}

func largest(ps []party) int {
	best := 0
	for i := 1; i < len(ps); i++ {
		c := ps[i].amount.Cmp(ps[best].amount)
		if c > 0 || (c == 0 && ps[i].id < ps[best].id) {
			best = i
		}
	}
	return best
}

func remove(ps []party, i int) []party {
	return append(ps[:i], ps[i+1:]...)
}
