// Package memory keeps exported snapshots in process, for tests and local runs.
package memory

import (
	"context"
	"sync"

	ports "splitledger/internal/sheets"
)

type Exporter struct {
	mu      sync.Mutex
	groups  map[int64]ports.GroupSnapshot
	exports int
	err     error
}

var _ ports.SettlementExporter = (*Exporter)(nil)

func New() *Exporter {
	return &Exporter{groups: map[int64]ports.GroupSnapshot{}}
}

// FailWith makes subsequent calls return err; nil restores normal behavior.
func (e *Exporter) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *Exporter) ExportGroup(_ context.Context, snap ports.GroupSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.groups[snap.Group.ID] = snap
	e.exports++
	return nil
}

func (e *Exporter) RemoveGroup(_ context.Context, groupID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	delete(e.groups, groupID)
	return nil
}

// Snapshot returns the last export of the group.
func (e *Exporter) Snapshot(groupID int64) (ports.GroupSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.groups[groupID]
	return snap, ok
}

// Exports counts successful ExportGroup calls.
func (e *Exporter) Exports() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exports
}
