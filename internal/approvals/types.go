package approvals

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("approval not found")
	ErrPreconditionFailed = errors.New("approval precondition failed")
	ErrInvalidStatus      = errors.New("invalid approval status")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusExecuted is terminal: an approval runs at most once.
	StatusExecuted Status = "executed"
)

// Approval is a deferred tool call awaiting the user's decision.
type Approval struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	ThreadID   string          `json:"thread_id"`
	RunID      string          `json:"run_id"`
	ToolCallID string          `json:"tool_call_id"`
	Action     string          `json:"action"`
	Arguments  json.RawMessage `json:"arguments"`
	Reason     string          `json:"reason,omitempty"`
	Status     Status          `json:"status"`
	Result     string          `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type CreateInput struct {
	UserID     string
	ThreadID   string
	RunID      string
	ToolCallID string
	Action     string
	Arguments  json.RawMessage
	Reason     string
}

type EventType string

const (
	EventCreated  EventType = "approval_created"
	EventApproved EventType = "approval_approved"
	EventRejected EventType = "approval_rejected"
	EventExecuted EventType = "approval_executed"
)

type Event struct {
	Type     EventType `json:"type"`
	Approval Approval  `json:"approval"`
	At       time.Time `json:"at"`
}

func eventFor(status Status) EventType {
	switch status {
	case StatusApproved:
		return EventApproved
	case StatusRejected:
		return EventRejected
	case StatusExecuted:
		return EventExecuted
	default:
		return EventCreated
	}
}
