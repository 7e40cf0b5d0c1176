package agent

import (
	"context"
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusExpired        RunStatus = "expired"
	RunStatusCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusExpired, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Active is the complement of Terminal: the run still occupies its thread.
func (s RunStatus) Active() bool { return !s.Terminal() }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall is an agent-proposed invocation; ID must be echoed back in ToolOutput.CallID.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolOutput struct {
	CallID string `json:"tool_call_id"`
	Output string `json:"output"`
}

type Run struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	Status    RunStatus  `json:"status"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateRunRequest struct {
	AgentID                string `json:"assistant_id"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
}

// Service is the remote agent's thread/run API. Runs are never cached locally:
// callers re-query GetRun for every status decision.
type Service interface {
	CreateThread(ctx context.Context) (string, error)
	ListRecentRuns(ctx context.Context, threadID string, limit int) ([]Run, error)
	AppendMessage(ctx context.Context, threadID, role, content string) (Message, error)
	CreateRun(ctx context.Context, threadID string, req CreateRunRequest) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error)
	// ListMessages returns the newest messages first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

// LatestAssistantMessage picks the newest assistant message from a newest-first listing.
func LatestAssistantMessage(msgs []Message) (Message, bool) {
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			return m, true
		}
	}
	return Message{}, false
}
