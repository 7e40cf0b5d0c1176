package patterns

import (
	"context"
	"sync"
)

// Store persists snapshots. Load returns an empty snapshot for unknown users.
// Update applies fn to the user's current snapshot and persists the result as
// one atomic step, so writers sharing a backend never overwrite each other.
type Store interface {
	Load(ctx context.Context, userID string) (Snapshot, error)
	Update(ctx context.Context, userID string, fn func(Snapshot) Snapshot) (Snapshot, error)
}

type InMemoryStore struct {
	mu     sync.RWMutex
	byUser map[string]Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byUser: make(map[string]Snapshot)}
}

func (s *InMemoryStore) Load(_ context.Context, userID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byUser[userID]
	if !ok {
		return Snapshot{UserID: userID}, nil
	}
	return snap, nil
}

func (s *InMemoryStore) Update(_ context.Context, userID string, fn func(Snapshot) Snapshot) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byUser[userID]
	if !ok {
		snap = Snapshot{UserID: userID}
	}
	snap = fn(snap)
	snap.UserID = userID
	s.byUser[userID] = snap
	return snap, nil
}
