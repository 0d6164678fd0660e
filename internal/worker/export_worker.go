// Package worker exports group settlements in response to ledger events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"splitledger/internal/amqp"
	"splitledger/internal/cache"
	"splitledger/internal/core"
	"splitledger/internal/ledger"
	applog "splitledger/internal/log"
	"splitledger/internal/services"
	"splitledger/internal/sheets"
)

// Groups resolves a group by id.
type Groups interface {
	GetGroup(ctx context.Context, groupID int64) (core.Group, error)
}

// Ledger reads a group's balances and payment plan.
type Ledger interface {
	GroupBalances(ctx context.Context, groupID int64) ([]core.BalanceEntry, error)
	SettleGroup(ctx context.Context, groupID int64) (services.Settlement, error)
}

// ExportWorker mirrors each group's current settlement to an exporter. Events
// only say which group changed; the exported state is always read fresh, so
// an event at or below the last exported version carries nothing new.
type ExportWorker struct {
	groups   Groups
	ledger   Ledger
	exporter sheets.SettlementExporter
	exported *cache.LRUCache[int64, int64] // group id -> last exported ledger version
	now      func() time.Time
	log      *applog.StructuredLogger
}

func NewExportWorker(groups Groups, book Ledger, exporter sheets.SettlementExporter, exported *cache.LRUCache[int64, int64]) *ExportWorker {
	return &ExportWorker{
		groups:   groups,
		ledger:   book,
		exporter: exporter,
		exported: exported,
		now:      time.Now,
		log: applog.NewStructuredLogger(applog.New(applog.Config{
			Handler:   slog.Default().Handler(),
			Component: applog.ComponentWorker,
		})),
	}
}

// HandleLedgerEvent processes a single ledger event from AMQP. A returned
// error requeues the event.
func (w *ExportWorker) HandleLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error {
	slog.InfoContext(ctx, "Processing ledger event",
		applog.FieldGroupID, ev.GroupID,
		"op", ev.Op,
		applog.FieldLedgerVersion, ev.LedgerVersion)

	if ev.Op == amqp.OpGroupDeleted {
		return w.removeGroup(ctx, ev.GroupID)
	}

	if last, ok := w.exported.Get(ev.GroupID); ok && ev.LedgerVersion <= last {
		slog.DebugContext(ctx, "Skipping stale ledger event",
			applog.FieldGroupID, ev.GroupID,
			applog.FieldLedgerVersion, ev.LedgerVersion,
			"exported_version", last)
		return nil
	}

	return w.ExportGroup(ctx, ev.GroupID)
}

// ExportGroup exports the group's current state regardless of what was
// exported before.
func (w *ExportWorker) ExportGroup(ctx context.Context, groupID int64) error {
	group, err := w.groups.GetGroup(ctx, groupID)
	if errors.Is(err, core.ErrGroupNotFound) {
		// Deleted since the event was published; its group.deleted event cleans up.
		slog.InfoContext(ctx, "Group no longer exists, skipping export", applog.FieldGroupID, groupID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get group: %w", err)
	}

	plan, err := w.ledger.SettleGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("settle group: %w", err)
	}
	balances, err := w.ledger.GroupBalances(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group balances: %w", err)
	}
	group.LedgerVersion = plan.LedgerVersion

	snap := sheets.GroupSnapshot{
		Group:      group,
		Balances:   ledger.Outstanding(balances),
		Positions:  plan.Positions,
		Payments:   plan.Payments,
		ExportedAt: w.now(),
	}
	if err := w.exporter.ExportGroup(ctx, snap); err != nil {
		w.log.LogError(ctx, "Failed to export group", err, applog.ComponentSheets, applog.OpExport,
			applog.NewFields().WithLedger(groupID, "", plan.LedgerVersion))
		return fmt.Errorf("export group: %w", err)
	}
	w.exported.Set(groupID, plan.LedgerVersion)

	slog.InfoContext(ctx, "Successfully exported group",
		applog.FieldGroupID, groupID,
		applog.FieldLedgerVersion, plan.LedgerVersion,
		applog.FieldPayments, len(plan.Payments))
	return nil
}

func (w *ExportWorker) removeGroup(ctx context.Context, groupID int64) error {
	if err := w.exporter.RemoveGroup(ctx, groupID); err != nil {
		w.log.LogError(ctx, "Failed to remove group export", err, applog.ComponentSheets, applog.OpTeardown,
			applog.NewFields().WithLedger(groupID, "", 0))
		return fmt.Errorf("remove group export: %w", err)
	}
	w.exported.Delete(groupID)

	slog.InfoContext(ctx, "Removed group export", applog.FieldGroupID, groupID)
	return nil
}
