package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/taskmate/internal/storage"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	err := storage.InitSQLiteSchema(ctx, db, "task", []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			due_date TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			priority=excluded.priority,
			status=excluded.status,
			due_date=excluded.due_date,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at`,
		task.ID,
		task.UserID,
		task.Title,
		task.Description,
		string(task.Priority),
		string(task.Status),
		storage.FormatNullTime(task.DueDate),
		storage.FormatTime(task.CreatedAt),
		storage.FormatTime(task.UpdatedAt),
		storage.FormatNullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID)
	task, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTasksByUser(ctx context.Context, userID string, filter Filter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id=?`
	args := []any{userID}
	if filter.Status != "" {
		query += " AND status=?"
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		query += " AND priority=?"
		args = append(args, filter.Priority)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (Task, error) {
	var (
		t                Task
		priority, status string
		created, updated string
		due, completed   sql.NullString
	)
	if err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Description,
		&priority,
		&status,
		&due,
		&created,
		&updated,
		&completed,
	); err != nil {
		return Task{}, err
	}
	t.Priority = Priority(strings.TrimSpace(priority))
	t.Status = Status(strings.TrimSpace(status))

	var err error
	if t.DueDate, err = storage.ParseNullTime(due); err != nil {
		return Task{}, err
	}
	if t.CreatedAt, err = storage.ParseTime(created); err != nil {
		return Task{}, err
	}
	if t.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return Task{}, err
	}
	if t.CompletedAt, err = storage.ParseNullTime(completed); err != nil {
		return Task{}, err
	}
	return t, nil
}
