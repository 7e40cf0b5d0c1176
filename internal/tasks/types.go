package tasks

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Priorities lists every tier, lowest first.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t Task) HasDueDate() bool { return t.DueDate != nil }

type CreateInput struct {
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time
}

// UpdateInput carries only the fields to change; nil means unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *string
	Status      *string
	DueDate     *time.Time
}

type Filter struct {
	Status   string
	Priority string
}

// ParsePriority normalises a priority, defaulting empty input to medium.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, raw)
	}
}

// ParseStatus accepts the canonical values plus a few spellings agents tend to use.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(raw, "-", "_"))) {
	case "todo", "pending", "open":
		return StatusTodo, nil
	case "in_progress", "started", "doing":
		return StatusInProgress, nil
	case "completed", "complete", "done":
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
}
