package threads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskmate/internal/storage"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	err := storage.InitPostgresSchema(ctx, pool, "thread", []string{
		`CREATE TABLE IF NOT EXISTS conversation_threads (
			user_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ NOT NULL
		);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Thread, error) {
	var t Thread
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, thread_id, created_at, last_used_at
		FROM conversation_threads
		WHERE user_id = $1
	`, userID).Scan(&t.UserID, &t.ThreadID, &t.CreatedAt, &t.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastUsedAt = t.LastUsedAt.UTC()
	return t, nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, t Thread) (Thread, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_threads (user_id, thread_id, created_at, last_used_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, t.UserID, t.ThreadID, t.CreatedAt.UTC(), t.LastUsedAt.UTC())
	if err != nil {
		return Thread{}, false, fmt.Errorf("insert thread: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return t, true, nil
	}
	winner, err := s.Get(ctx, t.UserID)
	if err != nil {
		return Thread{}, false, err
	}
	return winner, false, nil
}

func (s *PostgresStore) Touch(ctx context.Context, userID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversation_threads SET last_used_at = $2 WHERE user_id = $1`, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
