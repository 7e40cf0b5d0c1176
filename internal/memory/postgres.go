package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskmate/internal/storage"
)

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention int
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	err := storage.InitPostgresSchema(ctx, pool, "memory", []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_user_created ON memory_items (user_id, created_at DESC);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, retention: buildOptions(opts).retention}, nil
}

// SaveTurn inserts the turn and prunes the user's history in one transaction.
func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = stamp(record)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO memory_items (id, user_id, thread_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.UserID, record.ThreadID, record.Role, record.Content, record.PIIRedacted, record.CreatedAt,
	); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM memory_items WHERE user_id=$1 AND id NOT IN (
			SELECT id FROM memory_items WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
		)`,
		record.UserID, s.retention,
	); err != nil {
		return fmt.Errorf("prune turns: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, thread_id, role, content, pii_redacted, created_at
		 FROM memory_items WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TurnRecord])
	if err != nil {
		return nil, fmt.Errorf("collect context rows: %w", err)
	}
	slices.Reverse(items)
	return items, nil
}
