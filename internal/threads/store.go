package threads

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("thread mapping not found")

// Thread maps a user to their single remote conversation thread.
type Thread struct {
	UserID     string    `json:"user_id"`
	ThreadID   string    `json:"thread_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Store persists user to thread mappings. UserID is unique in every backend.
type Store interface {
	Get(ctx context.Context, userID string) (Thread, error)
	// InsertIfAbsent stores t unless the user already has a mapping. It returns
	// the row that is stored afterwards and whether t was the one inserted.
	InsertIfAbsent(ctx context.Context, t Thread) (Thread, bool, error)
	Touch(ctx context.Context, userID string, at time.Time) error
}

type InMemoryStore struct {
	mu     sync.Mutex
	byUser map[string]Thread
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byUser: make(map[string]Thread)}
}

func (s *InMemoryStore) Get(_ context.Context, userID string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byUser[userID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *InMemoryStore) InsertIfAbsent(_ context.Context, t Thread) (Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byUser[t.UserID]; ok {
		return existing, false, nil
	}
	s.byUser[t.UserID] = t
	return t, true, nil
}

func (s *InMemoryStore) Touch(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = at.UTC()
	s.byUser[userID] = t
	return nil
}

// Len reports how many users have a mapping.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}
