package memory

import (
	"context"
	"sync"
)

// InMemoryStore keeps each user's most recent turns in process.
type InMemoryStore struct {
	mu        sync.RWMutex
	retention int
	byUser    map[string][]TurnRecord
}

func NewInMemoryStore(opts ...StoreOption) *InMemoryStore {
	o := buildOptions(opts)
	return &InMemoryStore{retention: o.retention, byUser: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	record = stamp(record)
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.byUser[record.UserID], record)
	if over := len(turns) - s.retention; over > 0 {
		turns = append([]TurnRecord(nil), turns[over:]...)
	}
	s.byUser[record.UserID] = turns
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.byUser[userID]
	if limit <= 0 || limit > len(turns) {
		limit = len(turns)
	}
	if limit == 0 {
		return nil, nil
	}
	return append([]TurnRecord(nil), turns[len(turns)-limit:]...), nil
}
