package patterns

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskmate/internal/storage"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	err := storage.InitPostgresSchema(ctx, pool, "work pattern", []string{
		`CREATE TABLE IF NOT EXISTS work_patterns (
			user_id TEXT PRIMARY KEY,
			created_low BIGINT NOT NULL DEFAULT 0,
			created_medium BIGINT NOT NULL DEFAULT 0,
			created_high BIGINT NOT NULL DEFAULT 0,
			completed_low BIGINT NOT NULL DEFAULT 0,
			completed_medium BIGINT NOT NULL DEFAULT 0,
			completed_high BIGINT NOT NULL DEFAULT 0,
			with_due_date BIGINT NOT NULL DEFAULT 0,
			without_due_date BIGINT NOT NULL DEFAULT 0,
			avg_days_count BIGINT NOT NULL DEFAULT 0,
			avg_days_mean DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate_overall DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate_low DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate_medium DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate_high DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

const snapshotColumns = `user_id, created_low, created_medium, created_high,
	completed_low, completed_medium, completed_high, with_due_date, without_due_date,
	avg_days_count, avg_days_mean, rate_overall, rate_low, rate_medium, rate_high, updated_at`

func (s *PostgresStore) Load(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM work_patterns WHERE user_id=$1`, userID).
		Scan(snapshotDest(&snap)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{UserID: userID}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load work pattern: %w", err)
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

// Update locks the user's row for the length of a transaction. The row is
// seeded first so the lock exists even for a user's first event.
func (s *PostgresStore) Update(ctx context.Context, userID string, fn func(Snapshot) Snapshot) (Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO work_patterns (user_id, updated_at) VALUES ($1, now()) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return Snapshot{}, fmt.Errorf("seed work pattern: %w", err)
	}

	var snap Snapshot
	if err := tx.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM work_patterns WHERE user_id=$1 FOR UPDATE`, userID,
	).Scan(snapshotDest(&snap)...); err != nil {
		return Snapshot{}, fmt.Errorf("lock work pattern: %w", err)
	}

	snap = fn(snap)
	snap.UserID = userID
	if _, err := tx.Exec(ctx, `
		UPDATE work_patterns SET
			created_low=$2, created_medium=$3, created_high=$4,
			completed_low=$5, completed_medium=$6, completed_high=$7,
			with_due_date=$8, without_due_date=$9,
			avg_days_count=$10, avg_days_mean=$11,
			rate_overall=$12, rate_low=$13, rate_medium=$14, rate_high=$15,
			updated_at=$16
		WHERE user_id=$1
	`, snapshotArgs(snap, snap.UpdatedAt.UTC())...); err != nil {
		return Snapshot{}, fmt.Errorf("save work pattern: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("commit tx: %w", err)
	}
	return snap, nil
}

// snapshotDest and snapshotArgs list fields in snapshotColumns order.
func snapshotDest(s *Snapshot) []any {
	return []any{
		&s.UserID,
		&s.Created.Low, &s.Created.Medium, &s.Created.High,
		&s.Completed.Low, &s.Completed.Medium, &s.Completed.High,
		&s.WithDueDate, &s.WithoutDueDate,
		&s.DaysToComplete.Count, &s.DaysToComplete.Mean,
		&s.Rates.Overall, &s.Rates.Low, &s.Rates.Medium, &s.Rates.High,
		&s.UpdatedAt,
	}
}

func snapshotArgs(s Snapshot, updatedAt any) []any {
	return []any{
		s.UserID,
		s.Created.Low, s.Created.Medium, s.Created.High,
		s.Completed.Low, s.Completed.Medium, s.Completed.High,
		s.WithDueDate, s.WithoutDueDate,
		s.DaysToComplete.Count, s.DaysToComplete.Mean,
		s.Rates.Overall, s.Rates.Low, s.Rates.Medium, s.Rates.High,
		updatedAt,
	}
}
