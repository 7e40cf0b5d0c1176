package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/storage"
)

type fakePatterns struct {
	snap patterns.Snapshot
	err  error
}

func (f fakePatterns) Snapshot(context.Context, string) (patterns.Snapshot, error) {
	return f.snap, f.err
}

func TestContextBuilderRendersTurnsAndPatterns(t *testing.T) {
	store := NewInMemoryStore()
	b := NewContextBuilder(store, fakePatterns{}, 2)
	ctx := context.Background()

	for _, turn := range []struct{ role, text string }{
		{"user", "first"},
		{"assistant", "second"},
		{"user", "mail me at jane@example.com"},
	} {
		if err := b.Remember(ctx, "u1", "thread_1", turn.role, turn.text); err != nil {
			t.Fatalf("Remember() error = %v", err)
		}
	}

	got, err := b.Context(ctx, "u1")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	if strings.Contains(got, "first") {
		t.Fatalf("Context() included a turn beyond the limit: %q", got)
	}
	if !strings.Contains(got, "- assistant: second") {
		t.Fatalf("Context() missing recent turn: %q", got)
	}
	if strings.Contains(got, "jane@example.com") {
		t.Fatalf("Context() leaked an email address: %q", got)
	}
	if !strings.Contains(got, "Work patterns: No task history yet.") {
		t.Fatalf("Context() missing pattern summary: %q", got)
	}

	recent, _ := store.RecentContext(ctx, "u1", 1)
	if len(recent) != 1 || !recent[0].PIIRedacted {
		t.Fatalf("last turn PIIRedacted = %+v, want true", recent)
	}
}

func TestContextBuilderPropagatesPatternFailure(t *testing.T) {
	b := NewContextBuilder(NewInMemoryStore(), fakePatterns{err: errors.New("db down")}, 5)
	if _, err := b.Context(context.Background(), "u1"); err == nil {
		t.Fatalf("Context() expected error when patterns fail")
	}
}

func TestSQLiteStoreRecentContextIsChronological(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		err := store.SaveTurn(ctx, TurnRecord{
			UserID:    "u1",
			ThreadID:  "thread_1",
			Role:      "user",
			Content:   text,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	turns, err := store.RecentContext(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "two" || turns[1].Content != "three" {
		t.Fatalf("RecentContext() = %+v, want [two three]", turns)
	}
}

func TestStoresPruneBeyondRetention(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()
	sqliteStore, err := NewSQLiteStore(ctx, db, WithRetention(3))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	stores := map[string]Store{
		"memory": NewInMemoryStore(WithRetention(3)),
		"sqlite": sqliteStore,
	}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				err := store.SaveTurn(ctx, TurnRecord{
					UserID:    "u1",
					ThreadID:  "thread_1",
					Role:      "user",
					Content:   string(rune('a' + i)),
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatalf("SaveTurn() error = %v", err)
				}
			}
			if err := store.SaveTurn(ctx, TurnRecord{UserID: "u2", Role: "user", Content: "other"}); err != nil {
				t.Fatalf("SaveTurn() error = %v", err)
			}

			turns, err := store.RecentContext(ctx, "u1", 0)
			if err != nil {
				t.Fatalf("RecentContext() error = %v", err)
			}
			var got []string
			for _, turn := range turns {
				got = append(got, turn.Content)
			}
			if strings.Join(got, ",") != "c,d,e" {
				t.Fatalf("RecentContext() = %v, want [c d e]", got)
			}

			other, err := store.RecentContext(ctx, "u2", 0)
			if err != nil || len(other) != 1 {
				t.Fatalf("RecentContext(u2) = %v, %v; want one turn", other, err)
			}
		})
	}
}
