package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Creator opens a new remote conversation thread.
type Creator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Registry hands out exactly one remote thread per user, creating it lazily.
type Registry struct {
	store   Store
	creator Creator
	logger  zerolog.Logger
	group   singleflight.Group
	now     func() time.Time
}

func NewRegistry(store Store, creator Creator, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		creator: creator,
		logger:  logger.With().Str("component", "threads").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the user's thread id, refreshing its last-used time.
// Concurrent callers for one user share a single remote creation, and a
// failed creation leaves no mapping behind.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	if t, err := r.lookup(ctx, userID); err == nil {
		return t.ThreadID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	// The shared flight outlives any single caller; each caller only stops waiting.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(userID, func() (any, error) {
		return r.create(flightCtx, userID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Registry) create(ctx context.Context, userID string) (string, error) {
	// A previous flight may have finished between our lookup and this one.
	if t, err := r.lookup(ctx, userID); err == nil {
		return t.ThreadID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	remoteID, err := r.creator.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create remote thread: %w", err)
	}
	now := r.now()
	stored, inserted, err := r.store.InsertIfAbsent(ctx, Thread{
		UserID:     userID,
		ThreadID:   remoteID,
		CreatedAt:  now,
		LastUsedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("persist thread mapping: %w", err)
	}
	if !inserted {
		r.logger.Warn().
			Str("user_id", userID).
			Str("thread_id", stored.ThreadID).
			Str("orphaned_thread_id", remoteID).
			Msg("thread mapping created concurrently elsewhere")
	} else {
		r.logger.Info().Str("user_id", userID).Str("thread_id", remoteID).Msg("thread created")
	}
	return stored.ThreadID, nil
}

// Lookup returns the stored mapping without creating one.
func (r *Registry) Lookup(ctx context.Context, userID string) (Thread, error) {
	return r.store.Get(ctx, strings.TrimSpace(userID))
}

func (r *Registry) lookup(ctx context.Context, userID string) (Thread, error) {
	t, err := r.store.Get(ctx, userID)
	if err != nil {
		return Thread{}, err
	}
	if err := r.store.Touch(ctx, userID, r.now()); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("refresh thread timestamp failed")
	}
	return t, nil
}
