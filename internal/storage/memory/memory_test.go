package memory

import (
	"context"
	"errors"
	"testing"

	"splitledger/internal/core"
	"splitledger/internal/storage"
	"splitledger/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(*testing.T) storage.Store { return New() })
}

func TestReadTxRejectsWrites(t *testing.T) {
	s := New()
	tx, err := s.BeginReadTx(context.Background())
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.CreateUser(context.Background(), core.User{Name: "x", Email: "x@example.com"}); !errors.Is(err, errReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestReadTxIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New()
	g, users := storagetest.Seed(t, s, "ann", "bob")

	snap, err := s.BeginReadTx(ctx)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer snap.Rollback()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.LockGroup(ctx, g.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := tx.RemoveMember(ctx, g.ID, users[1].ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := snap.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if len(got.Members) != 2 || got.LedgerVersion != g.LedgerVersion {
		t.Fatalf("snapshot changed: %+v", got)
	}
}

func TestDoubleCommit(t *testing.T) {
	s := New()
	tx, _ := s.BeginTx(context.Background())
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Rollback(); !errors.Is(err, errTxDone) {
		t.Fatalf("expected errTxDone, got %v", err)
	}
}
