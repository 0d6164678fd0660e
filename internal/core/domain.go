package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Equal      ShareType = "EQUAL"
	Unequal    ShareType = "UNEQUAL"
	Percentage ShareType = "PERCENTAGE"
)

type (
	ShareType string

	User struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	Group struct {
		ID            int64   `json:"id"`
		Name          string  `json:"name"`
		CreatedBy     int64   `json:"created_by"`
		LedgerVersion int64   `json:"ledger_version"`
		Members       []int64 `json:"members,omitempty"`
	}

	Expense struct {
		ID          string          `json:"id"`
		GroupID     int64           `json:"group_id"`
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
		ShareType   ShareType       `json:"share_type"`
		OccurredAt  time.Time       `json:"occurred_at"`
		Version     int64           `json:"version"`
		Deleted     bool            `json:"deleted,omitempty"`
	}

	// Payer is one user's contribution towards an expense.
	Payer struct {
		UserID int64           `json:"user_id"`
		Amount decimal.Decimal `json:"amount"`
	}

	// Beneficiary is one user's declared weight in an expense; its meaning
	// depends on the expense share type.
	Beneficiary struct {
		UserID int64           `json:"user_id"`
		Weight decimal.Decimal `json:"weight"`
	}

	DebtEdge struct {
		DebtorID   int64           `json:"debtor_id"`
		CreditorID int64           `json:"creditor_id"`
		Amount     decimal.Decimal `json:"amount"`
	}

	BalanceEntry struct {
		GroupID int64           `json:"group_id"`
		OwedBy  int64           `json:"owed_by"`
		OwedTo  int64           `json:"owed_to"`
		Amount  decimal.Decimal `json:"amount"`
	}

	Payment struct {
		From   int64           `json:"from"`
		To     int64           `json:"to"`
		Amount decimal.Decimal `json:"amount"`
	}
)

// ParseShareType normalizes s case-insensitively.
func ParseShareType(s string) (ShareType, error) {
	st := ShareType(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case Equal, Unequal, Percentage:
		return st, nil
	}
	return "", Wrapf(ErrInvalidShareType, "%q", s)
}

func (st ShareType) String() string {
	return string(st)
}

func (e Expense) Validate() error {
	if e.GroupID <= 0 {
		return ErrGroupNotFound
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return Wrapf(ErrInvalidDescription, "too long (max 200 characters)")
	}
	if err := ValidateAmount(e.Amount); err != nil {
		return err
	}
	if _, err := ParseShareType(string(e.ShareType)); err != nil {
		return err
	}
	return nil
}

// Key identifies the ordered (debtor, creditor) pair of an edge.
func (d DebtEdge) Key() PairKey {
	return PairKey{DebtorID: d.DebtorID, CreditorID: d.CreditorID}
}

type PairKey struct {
	DebtorID   int64
	CreditorID int64
}

// Less orders pairs by debtor then creditor.
func (k PairKey) Less(o PairKey) bool {
	if k.DebtorID != o.DebtorID {
		return k.DebtorID < o.DebtorID
	}
	return k.CreditorID < o.CreditorID
}
