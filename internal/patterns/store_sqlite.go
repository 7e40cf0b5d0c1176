package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ent0n29/taskmate/internal/storage"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	err := storage.InitSQLiteSchema(ctx, db, "work pattern", []string{
		`CREATE TABLE IF NOT EXISTS work_patterns (
			user_id TEXT PRIMARY KEY,
			created_low INTEGER NOT NULL DEFAULT 0,
			created_medium INTEGER NOT NULL DEFAULT 0,
			created_high INTEGER NOT NULL DEFAULT 0,
			completed_low INTEGER NOT NULL DEFAULT 0,
			completed_medium INTEGER NOT NULL DEFAULT 0,
			completed_high INTEGER NOT NULL DEFAULT 0,
			with_due_date INTEGER NOT NULL DEFAULT 0,
			without_due_date INTEGER NOT NULL DEFAULT 0,
			avg_days_count INTEGER NOT NULL DEFAULT 0,
			avg_days_mean REAL NOT NULL DEFAULT 0,
			rate_overall REAL NOT NULL DEFAULT 0,
			rate_low REAL NOT NULL DEFAULT 0,
			rate_medium REAL NOT NULL DEFAULT 0,
			rate_high REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) (Snapshot, error) {
	return loadSQLite(ctx, s.db, userID)
}

// Update holds a write lock from the first read, via BEGIN IMMEDIATE on a
// dedicated connection, so handles on the same file serialise their events.
func (s *SQLiteStore) Update(ctx context.Context, userID string, fn func(Snapshot) Snapshot) (Snapshot, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		}
	}()

	snap, err := loadSQLite(ctx, conn, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap = fn(snap)
	snap.UserID = userID
	if _, err := conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO work_patterns (`+snapshotColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, snapshotArgs(snap, storage.FormatTime(snap.UpdatedAt))...); err != nil {
		return Snapshot{}, fmt.Errorf("save work pattern: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return Snapshot{}, fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return snap, nil
}

func loadSQLite(ctx context.Context, q rowQuerier, userID string) (Snapshot, error) {
	var snap Snapshot
	var updated string
	dest := snapshotDest(&snap)
	dest[len(dest)-1] = &updated
	err := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM work_patterns WHERE user_id=?`, userID).
		Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{UserID: userID}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load work pattern: %w", err)
	}
	if snap.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
