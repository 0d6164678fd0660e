package amqp

import (
	"encoding/json"
	"time"
)

// LedgerOp names the mutation that produced a ledger event.
type LedgerOp string

const (
	OpExpenseCreated LedgerOp = "expense.created"
	OpExpenseUpdated LedgerOp = "expense.updated"
	OpExpenseDeleted LedgerOp = "expense.deleted"
	OpGroupDeleted   LedgerOp = "group.deleted"
)

// LedgerEvent announces a committed change to a group's ledger.
// It carries identifiers only; consumers read current state from the store
// and use LedgerVersion to discard stale or duplicate deliveries.
type LedgerEvent struct {
	GroupID       int64     `json:"group_id"`
	ExpenseID     string    `json:"expense_id,omitempty"`
	Op            LedgerOp  `json:"op"`
	LedgerVersion int64     `json:"ledger_version"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewLedgerEvent(groupID int64, expenseID string, op LedgerOp, version int64) *LedgerEvent {
	return &LedgerEvent{
		GroupID:       groupID,
		ExpenseID:     expenseID,
		Op:            op,
		LedgerVersion: version,
		Timestamp:     time.Now(),
	}
}

// ToJSON converts the event to JSON bytes
func (m *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var msg LedgerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
