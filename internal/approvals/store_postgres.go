package approvals

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
	err := storage.InitPostgresSchema(ctx, pool, "approval", []string{
		`CREATE TABLE IF NOT EXISTS pending_approvals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			action TEXT NOT NULL,
			arguments JSONB NOT NULL DEFAULT '{}'::jsonb,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_approvals_user_status ON pending_approvals (user_id, status, created_at);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

const approvalColumns = `id, user_id, thread_id, run_id, tool_call_id, action, arguments, reason, status, result, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, a Approval) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_approvals (`+approvalColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.UserID, a.ThreadID, a.RunID, a.ToolCallID, a.Action, string(argsOrEmpty(a.Arguments)),
		a.Reason, string(a.Status), a.Result, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id, userID string) (Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE id=$1 AND user_id=$2`, id, userID)
	a, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, userID string, status Status) ([]Approval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE user_id=$1 AND status=$2 ORDER BY created_at ASC`,
		userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, userID string, status Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_approvals WHERE user_id=$1 AND status=$2`, userID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id, userID string, from, to Status, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_approvals SET status=$4, updated_at=$5 WHERE id=$1 AND user_id=$2 AND status=$3`,
		id, userID, string(from), string(to), at.UTC())
	if err != nil {
		return false, fmt.Errorf("update approval status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) SetResult(ctx context.Context, id, userID, result string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_approvals SET result=$3 WHERE id=$1 AND user_id=$2`, id, userID, result)
	if err != nil {
		return fmt.Errorf("set approval result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApproval(row pgx.Row) (Approval, error) {
	var (
		a      Approval
		args   []byte
		status string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ThreadID, &a.RunID, &a.ToolCallID, &a.Action, &args,
		&a.Reason, &status, &a.Result, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Approval{}, err
	}
	a.Arguments = args
	a.Status = Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func argsOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}
