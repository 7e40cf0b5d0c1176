package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionName is the fixed vocabulary of tool names the agent may propose.
type ActionName string

const (
	ActionCreateTask          ActionName = "create_task"
	ActionUpdateTask          ActionName = "update_task"
	ActionDeleteTask          ActionName = "delete_task"
	ActionListTasks           ActionName = "list_tasks"
	ActionAnalyzeProductivity ActionName = "analyze_productivity"
)

// Action is a decoded tool call. The set of implementations is closed: every
// variant lives in this file and Classify switches over all of them.
type Action interface {
	Name() ActionName
	isAction()
}

type CreateTask struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type UpdateTask struct {
	TaskID      string     `json:"task_id"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Status      *string    `json:"status,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type DeleteTask struct {
	TaskID string `json:"task_id"`
}

type ListTasks struct {
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type AnalyzeProductivity struct {
	Focus string `json:"focus,omitempty"`
}

// Unknown carries a tool name outside the vocabulary.
type Unknown struct {
	RawName string          `json:"name"`
	Raw     json.RawMessage `json:"arguments,omitempty"`
}

func (CreateTask) Name() ActionName          { return ActionCreateTask }
func (UpdateTask) Name() ActionName          { return ActionUpdateTask }
func (DeleteTask) Name() ActionName          { return ActionDeleteTask }
func (ListTasks) Name() ActionName           { return ActionListTasks }
func (AnalyzeProductivity) Name() ActionName { return ActionAnalyzeProductivity }
func (u Unknown) Name() ActionName           { return ActionName(u.RawName) }

func (CreateTask) isAction()          {}
func (UpdateTask) isAction()          {}
func (DeleteTask) isAction()          {}
func (ListTasks) isAction()           {}
func (AnalyzeProductivity) isAction() {}
func (Unknown) isAction()             {}

// wireArgs accepts both camelCase and snake_case keys as emitted by different agent prompts.
type wireArgs struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Priority     *string `json:"priority"`
	Status       *string `json:"status"`
	TaskID       string  `json:"taskId"`
	TaskIDSnake  string  `json:"task_id"`
	ID           string  `json:"id"`
	DueDate      string  `json:"dueDate"`
	DueDateSnake string  `json:"due_date"`
	Focus        string  `json:"focus"`
}

func (w wireArgs) taskID() string {
	for _, v := range []string{w.TaskID, w.TaskIDSnake, w.ID} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func (w wireArgs) dueDate() (*time.Time, error) {
	raw := strings.TrimSpace(w.DueDate)
	if raw == "" {
		raw = strings.TrimSpace(w.DueDateSnake)
	}
	if raw == "" {
		return nil, nil
	}
	return ParseDueDate(raw)
}

// DecodeAction maps a tool name and its JSON arguments onto an Action variant.
// Malformed arguments for a known name yield that variant's zero value together
// with the decode error, so the caller can still classify (and defer) it.
func DecodeAction(name string, args json.RawMessage) (Action, error) {
	name = strings.TrimSpace(name)
	var w wireArgs
	var decodeErr error
	if len(args) > 0 && strings.TrimSpace(string(args)) != "" {
		if err := json.Unmarshal(args, &w); err != nil {
			decodeErr = fmt.Errorf("decode %s arguments: %w", name, err)
			w = wireArgs{}
		}
	}

	switch ActionName(name) {
	case ActionCreateTask:
		a := CreateTask{
			Title:       deref(w.Title),
			Description: deref(w.Description),
			Priority:    deref(w.Priority),
		}
		due, err := w.dueDate()
		if err != nil && decodeErr == nil {
			decodeErr = err
		}
		a.DueDate = due
		return a, decodeErr
	case ActionUpdateTask:
		a := UpdateTask{
			TaskID:      w.taskID(),
			Title:       trimmedPtr(w.Title),
			Description: w.Description,
			Priority:    trimmedPtr(w.Priority),
			Status:      trimmedPtr(w.Status),
		}
		due, err := w.dueDate()
		if err != nil && decodeErr == nil {
			decodeErr = err
		}
		a.DueDate = due
		return a, decodeErr
	case ActionDeleteTask:
		return DeleteTask{TaskID: w.taskID()}, decodeErr
	case ActionListTasks:
		return ListTasks{Status: deref(w.Status), Priority: deref(w.Priority)}, decodeErr
	case ActionAnalyzeProductivity:
		return AnalyzeProductivity{Focus: strings.TrimSpace(w.Focus)}, decodeErr
	default:
		return Unknown{RawName: name, Raw: append(json.RawMessage(nil), args...)}, nil
	}
}

// ParseDueDate accepts a calendar date or an RFC 3339 timestamp.
func ParseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, fmt.Errorf("invalid due date %q", raw)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func trimmedPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	return &v
}
