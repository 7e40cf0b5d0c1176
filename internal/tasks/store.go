package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrStoreNotFound = errors.New("task not found in store")

type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	ListTasksByUser(ctx context.Context, userID string, filter Filter) ([]Task, error)
}

type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]Task)}
}

func (s *InMemoryStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return t, nil
}

func (s *InMemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *InMemoryStore) ListTasksByUser(_ context.Context, userID string, filter Filter) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0)
	for _, t := range s.tasks {
		if t.UserID != userID {
			continue
		}
		if filter.Status != "" && string(t.Status) != filter.Status {
			continue
		}
		if filter.Priority != "" && string(t.Priority) != filter.Priority {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
