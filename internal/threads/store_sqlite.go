package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/taskmate/internal/storage"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	err := storage.InitSQLiteSchema(ctx, db, "thread", []string{
		`CREATE TABLE IF NOT EXISTS conversation_threads (
			user_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL
		)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (Thread, error) {
	var t Thread
	var created, lastUsed string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, thread_id, created_at, last_used_at
		FROM conversation_threads
		WHERE user_id = ?
	`, userID).Scan(&t.UserID, &t.ThreadID, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if t.CreatedAt, err = storage.ParseTime(created); err != nil {
		return Thread{}, err
	}
	if t.LastUsedAt, err = storage.ParseTime(lastUsed); err != nil {
		return Thread{}, err
	}
	return t, nil
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, t Thread) (Thread, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_threads (user_id, thread_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, t.UserID, t.ThreadID, storage.FormatTime(t.CreatedAt), storage.FormatTime(t.LastUsedAt))
	if err != nil {
		return Thread{}, false, fmt.Errorf("insert thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return t, true, nil
	}
	winner, err := s.Get(ctx, t.UserID)
	if err != nil {
		return Thread{}, false, err
	}
	return winner, false, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversation_threads SET last_used_at = ? WHERE user_id = ?`,
		storage.FormatTime(at), userID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
