package memory

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/ent0n29/taskmate/internal/storage"
)

// SQLiteStore persists conversational memory in an embedded database.
type SQLiteStore struct {
	db        *sql.DB
	retention int
}

func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...StoreOption) (*SQLiteStore, error) {
	err := storage.InitSQLiteSchema(ctx, db, "memory", []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_user_created ON memory_items (user_id, created_at)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, retention: buildOptions(opts).retention}, nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = stamp(record)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_items (id, user_id, thread_id, role, content, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.ThreadID, record.Role, record.Content, record.PIIRedacted,
		storage.FormatTime(record.CreatedAt),
	); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_items WHERE user_id=? AND rowid NOT IN (
			SELECT rowid FROM memory_items WHERE user_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`,
		record.UserID, record.UserID, s.retention,
	); err != nil {
		return fmt.Errorf("prune turns: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, role, content, pii_redacted, created_at
		 FROM memory_items WHERE user_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r       TurnRecord
			created string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ThreadID, &r.Role, &r.Content, &r.PIIRedacted, &created); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		if r.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}

	slices.Reverse(items)
	return items, nil
}
