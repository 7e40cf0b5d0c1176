package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskmate/internal/approvals"
	"github.com/ent0n29/taskmate/internal/config"
	"github.com/ent0n29/taskmate/internal/memory"
	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/storage"
	"github.com/ent0n29/taskmate/internal/tasks"
	"github.com/ent0n29/taskmate/internal/threads"
)

// stores holds one backend per table family, all sharing a single pool or database.
type stores struct {
	threads   threads.Store
	tasks     tasks.Store
	approvals approvals.Store
	patterns  patterns.Store
	turns     memory.Store

	ping  func(ctx context.Context) error
	close func() error
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s, err := postgresStores(ctx, pool, cfg.MemoryRetentionTurns)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	case config.StoreDriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s, err := sqliteStores(ctx, db, cfg.MemoryRetentionTurns)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil

	default:
		return &stores{
			threads:   threads.NewInMemoryStore(),
			tasks:     tasks.NewInMemoryStore(),
			approvals: approvals.NewInMemoryStore(),
			patterns:  patterns.NewInMemoryStore(),
			turns:     memory.NewInMemoryStore(memory.WithRetention(cfg.MemoryRetentionTurns)),
			ping:      func(context.Context) error { return nil },
			close:     func() error { return nil },
		}, nil
	}
}

func postgresStores(ctx context.Context, pool *pgxpool.Pool, retention int) (*stores, error) {
	s := &stores{
		ping: pool.Ping,
		close: func() error {
			pool.Close()
			return nil
		},
	}
	var err error
	if s.threads, err = threads.NewPostgresStore(ctx, pool); err != nil {
		return nil, fmt.Errorf("thread store init failed: %w", err)
	}
	if s.tasks, err = tasks.NewPostgresStore(ctx, pool); err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	if s.approvals, err = approvals.NewPostgresStore(ctx, pool); err != nil {
		return nil, fmt.Errorf("approval store init failed: %w", err)
	}
	if s.patterns, err = patterns.NewPostgresStore(ctx, pool); err != nil {
		return nil, fmt.Errorf("pattern store init failed: %w", err)
	}
	if s.turns, err = memory.NewPostgresStore(ctx, pool, memory.WithRetention(retention)); err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	return s, nil
}

func sqliteStores(ctx context.Context, db *sql.DB, retention int) (*stores, error) {
	s := &stores{
		ping:  db.PingContext,
		close: db.Close,
	}
	var err error
	if s.threads, err = threads.NewSQLiteStore(ctx, db); err != nil {
		return nil, fmt.Errorf("thread store init failed: %w", err)
	}
	if s.tasks, err = tasks.NewSQLiteStore(ctx, db); err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	if s.approvals, err = approvals.NewSQLiteStore(ctx, db); err != nil {
		return nil, fmt.Errorf("approval store init failed: %w", err)
	}
	if s.patterns, err = patterns.NewSQLiteStore(ctx, db); err != nil {
		return nil, fmt.Errorf("pattern store init failed: %w", err)
	}
	if s.turns, err = memory.NewSQLiteStore(ctx, db, memory.WithRetention(retention)); err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	return s, nil
}
