package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/taskmate/internal/storage"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	m := NewManager(store)
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first, err := m.Create(ctx, "u1", CreateInput{Title: "Write report", Priority: "high", DueDate: &due})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(ctx, "u1", CreateInput{Title: "Buy milk"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	completed := string(StatusCompleted)
	updated, completedNow, err := m.Update(ctx, "u1", first.ID, UpdateInput{Status: &completed})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !completedNow || updated.CompletedAt == nil {
		t.Fatalf("Update() completedNow = %v, completed_at = %v", completedNow, updated.CompletedAt)
	}

	got, err := m.Get(ctx, "u1", first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Fatalf("DueDate = %v, want %v", got.DueDate, due)
	}
	if got.Status != StatusCompleted || got.Priority != PriorityHigh {
		t.Fatalf("unexpected task after reload: %+v", got)
	}

	list, err := m.List(ctx, "u1", Filter{Status: "done"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != first.ID {
		t.Fatalf("List(completed) = %+v, want only %s", list, first.ID)
	}

	if _, err := m.Delete(ctx, "u1", first.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.DeleteTask(ctx, first.ID); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("DeleteTask() twice error = %v, want ErrStoreNotFound", err)
	}
}
