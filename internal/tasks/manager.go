package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidInput = errors.New("invalid task input")
)

// Manager performs user-scoped task mutations. A task owned by another user
// is indistinguishable from a missing one.
type Manager struct {
	// mu serialises read-modify-write updates.
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Create(ctx context.Context, userID string, in CreateInput) (Task, error) {
	userID = strings.TrimSpace(userID)
	title := strings.TrimSpace(in.Title)
	if userID == "" {
		return Task{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if title == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	priority, err := ParsePriority(in.Priority)
	if err != nil {
		return Task{}, err
	}

	now := m.now()
	task := Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Priority:    priority,
		Status:      StatusTodo,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (m *Manager) Get(ctx context.Context, userID, taskID string) (Task, error) {
	task, err := m.store.GetTask(ctx, strings.TrimSpace(taskID))
	if errors.Is(err, ErrStoreNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if task.UserID != strings.TrimSpace(userID) {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

// Update applies in to the task. completedNow is true only when this call
// moved the task into the completed status.
func (m *Manager) Update(ctx context.Context, userID, taskID string, in UpdateInput) (task Task, completedNow bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err = m.Get(ctx, userID, taskID)
	if err != nil {
		return Task{}, false, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return Task{}, false, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
		}
		task.Title = title
	}
	if in.Description != nil {
		task.Description = strings.TrimSpace(*in.Description)
	}
	if in.Priority != nil {
		p, err := ParsePriority(*in.Priority)
		if err != nil {
			return Task{}, false, err
		}
		task.Priority = p
	}
	if in.DueDate != nil {
		due := in.DueDate.UTC()
		task.DueDate = &due
	}

	now := m.now()
	if in.Status != nil {
		status, err := ParseStatus(*in.Status)
		if err != nil {
			return Task{}, false, err
		}
		switch {
		case status == StatusCompleted && task.Status != StatusCompleted:
			completedNow = true
			task.CompletedAt = &now
		case status != StatusCompleted:
			task.CompletedAt = nil
		}
		task.Status = status
	}
	task.UpdatedAt = now

	if err := m.store.SaveTask(ctx, task); err != nil {
		return Task{}, false, err
	}
	return task, completedNow, nil
}

// Delete removes the task and returns it as it was.
func (m *Manager) Delete(ctx context.Context, userID, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.Get(ctx, userID, taskID)
	if err != nil {
		return Task{}, err
	}
	if err := m.store.DeleteTask(ctx, task.ID); err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return task, nil
}

func (m *Manager) List(ctx context.Context, userID string, filter Filter) ([]Task, error) {
	if filter.Status != "" {
		s, err := ParseStatus(filter.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = string(s)
	}
	if filter.Priority != "" {
		p, err := ParsePriority(filter.Priority)
		if err != nil {
			return nil, err
		}
		filter.Priority = string(p)
	}
	return m.store.ListTasksByUser(ctx, strings.TrimSpace(userID), filter)
}
