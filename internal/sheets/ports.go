// Package sheets exports group settlements to spreadsheets.
package sheets

import (
	"context"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/settle"
)

// GroupSnapshot is everything exported for one group at one ledger version.
type GroupSnapshot struct {
	Group      core.Group
	Balances   []core.BalanceEntry
	Positions  []settle.Position
	Payments   []core.Payment
	ExportedAt time.Time
}

// SettlementExporter publishes group snapshots to an outbound destination.
type SettlementExporter interface {
	// ExportGroup replaces whatever was previously exported for the group.
	ExportGroup(ctx context.Context, snap GroupSnapshot) error
	// RemoveGroup drops the group's export. Removing an unknown group is not an error.
	RemoveGroup(ctx context.Context, groupID int64) error
}

// Rows lays the snapshot out as a grid: a header block, then the payment
// plan, net positions and balance entries. Amounts are rendered
// with two fractional digits.
func Rows(snap GroupSnapshot) [][]any {
	rows := [][]any{
		{"group", snap.Group.ID, snap.Group.Name},
		{"ledger_version", snap.Group.LedgerVersion},
		{"exported_at", snap.ExportedAt.UTC().Format(time.RFC3339)},
		{},
		{"payments"},
		{"from", "to", "amount"},
	}
	for _, p := range snap.Payments {
		rows = append(rows, []any{p.From, p.To, core.FormatAmount(p.Amount)})
	}

	rows = append(rows, []any{}, []any{"positions"}, []any{"user", "net"})
	for _, p := range snap.Positions {
		rows = append(rows, []any{p.UserID, core.FormatAmount(p.Net)})
	}

	rows = append(rows, []any{}, []any{"balances"}, []any{"owed_by", "owed_to", "amount"})
	for _, e := range snap.Balances {
		rows = append(rows, []any{e.OwedBy, e.OwedTo, core.FormatAmount(e.Amount)})
	}
	return rows
}
