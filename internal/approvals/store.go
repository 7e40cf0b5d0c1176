package approvals

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists approvals. Every read and transition is scoped by user id so
// a row owned by someone else behaves exactly like a missing one.
type Store interface {
	Insert(ctx context.Context, a Approval) error
	Get(ctx context.Context, id, userID string) (Approval, error)
	ListByStatus(ctx context.Context, userID string, status Status) ([]Approval, error)
	CountByStatus(ctx context.Context, userID string, status Status) (int, error)
	// CompareAndSetStatus moves the row from one status to another atomically.
	// It reports false (and no error) when the row exists but is not in from.
	CompareAndSetStatus(ctx context.Context, id, userID string, from, to Status, at time.Time) (bool, error)
	SetResult(ctx context.Context, id, userID, result string) error
}

type InMemoryStore struct {
	mu   sync.Mutex
	rows map[string]Approval
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[string]Approval)}
}

func (s *InMemoryStore) Insert(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[a.ID] = cloneApproval(a)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id, userID string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok || a.UserID != userID {
		return Approval{}, ErrNotFound
	}
	return cloneApproval(a), nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, userID string, status Status) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Approval, 0)
	for _, a := range s.rows {
		if a.UserID == userID && a.Status == status {
			out = append(out, cloneApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context, userID string, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.rows {
		if a.UserID == userID && a.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CompareAndSetStatus(_ context.Context, id, userID string, from, to Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok || a.UserID != userID {
		return false, ErrNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = at.UTC()
	s.rows[id] = a
	return true, nil
}

func (s *InMemoryStore) SetResult(_ context.Context, id, userID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok || a.UserID != userID {
		return ErrNotFound
	}
	a.Result = result
	s.rows[id] = a
	return nil
}

func cloneApproval(a Approval) Approval {
	out := a
	if a.Arguments != nil {
		out.Arguments = append([]byte(nil), a.Arguments...)
	}
	return out
}
