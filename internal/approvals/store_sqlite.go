package approvals

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
	err := storage.InitSQLiteSchema(ctx, db, "approval", []string{
		`CREATE TABLE IF NOT EXISTS pending_approvals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			action TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_approvals_user_status ON pending_approvals (user_id, status, created_at)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, a Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_approvals (`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.ThreadID, a.RunID, a.ToolCallID, a.Action, string(argsOrEmpty(a.Arguments)),
		a.Reason, string(a.Status), a.Result, storage.FormatTime(a.CreatedAt), storage.FormatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id, userID string) (Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE id=? AND user_id=?`, id, userID)
	a, err := scanSQLiteApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, userID string, status Status) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE user_id=? AND status=? ORDER BY created_at ASC`,
		userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]Approval, 0)
	for rows.Next() {
		a, err := scanSQLiteApproval(rows)
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

func (s *SQLiteStore) CountByStatus(ctx context.Context, userID string, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_approvals WHERE user_id=? AND status=?`, userID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id, userID string, from, to Status, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET status=?, updated_at=? WHERE id=? AND user_id=? AND status=?`,
		string(to), storage.FormatTime(at), id, userID, string(from))
	if err != nil {
		return false, fmt.Errorf("update approval status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) SetResult(ctx context.Context, id, userID, result string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET result=? WHERE id=? AND user_id=?`, result, id, userID)
	if err != nil {
		return fmt.Errorf("set approval result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteApproval(row rowScanner) (Approval, error) {
	var (
		a                Approval
		args, status     string
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ThreadID, &a.RunID, &a.ToolCallID, &a.Action, &args,
		&a.Reason, &status, &a.Result, &created, &updated); err != nil {
		return Approval{}, err
	}
	a.Arguments = []byte(args)
	a.Status = Status(status)
	var err error
	if a.CreatedAt, err = storage.ParseTime(created); err != nil {
		return Approval{}, err
	}
	if a.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return Approval{}, err
	}
	return a, nil
}
