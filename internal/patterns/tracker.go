package patterns

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/taskmate/internal/tasks"
)

// Tracker folds task events into per-user snapshots. Each event is one atomic
// store update, so trackers in different processes can share a backend.
type Tracker struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger.With().Str("component", "patterns").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) OnTaskCreated(ctx context.Context, userID string, task tasks.Task) (Snapshot, error) {
	return t.update(ctx, userID, func(s Snapshot) Snapshot { return s.applyCreated(task) })
}

func (t *Tracker) OnTaskCompleted(ctx context.Context, userID string, task tasks.Task) (Snapshot, error) {
	return t.update(ctx, userID, func(s Snapshot) Snapshot { return s.applyCompleted(task) })
}

func (t *Tracker) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	return t.store.Load(ctx, strings.TrimSpace(userID))
}

func (t *Tracker) update(ctx context.Context, userID string, apply func(Snapshot) Snapshot) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	snap, err := t.store.Update(ctx, userID, func(s Snapshot) Snapshot {
		s = apply(s)
		s.UpdatedAt = t.now()
		return s
	})
	if err != nil {
		return Snapshot{}, err
	}
	t.logger.Debug().
		Str("user_id", userID).
		Int64("created", snap.Created.Total()).
		Int64("completed", snap.Completed.Total()).
		Float64("completion_rate", snap.Rates.Overall).
		Msg("work pattern updated")
	return snap, nil
}
