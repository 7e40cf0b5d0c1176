package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/policy"
	"github.com/ent0n29/taskmate/internal/tasks"
)

var ErrUnsupportedAction = errors.New("unsupported action")

// Outcome is the result of performing one action.
type Outcome struct {
	Action policy.ActionName
	// Output is the JSON text returned to the agent as the tool output.
	Output string
	Task   *tasks.Task
	// Created and Completed mark the side effects the pattern tracker follows.
	Created   bool
	Completed bool
}

// Executor performs decoded actions against the task manager and pattern tracker.
type Executor struct {
	tasks    *tasks.Manager
	patterns *patterns.Tracker
	logger   zerolog.Logger
}

func NewExecutor(taskManager *tasks.Manager, tracker *patterns.Tracker, logger zerolog.Logger) *Executor {
	return &Executor{
		tasks:    taskManager,
		patterns: tracker,
		logger:   logger.With().Str("component", "actions").Logger(),
	}
}

func (e *Executor) Run(ctx context.Context, userID string, action policy.Action) (Outcome, error) {
	switch a := action.(type) {
	case policy.CreateTask:
		task, err := e.tasks.Create(ctx, userID, tasks.CreateInput{
			Title:       a.Title,
			Description: a.Description,
			Priority:    a.Priority,
			DueDate:     a.DueDate,
		})
		if err != nil {
			return Outcome{Action: a.Name()}, err
		}
		return Outcome{
			Action:  a.Name(),
			Output:  encode(map[string]any{"success": true, "task": task}),
			Task:    &task,
			Created: true,
		}, nil

	case policy.UpdateTask:
		task, completedNow, err := e.tasks.Update(ctx, userID, a.TaskID, tasks.UpdateInput{
			Title:       a.Title,
			Description: a.Description,
			Priority:    a.Priority,
			Status:      a.Status,
			DueDate:     a.DueDate,
		})
		if err != nil {
			return Outcome{Action: a.Name()}, err
		}
		return Outcome{
			Action:    a.Name(),
			Output:    encode(map[string]any{"success": true, "task": task}),
			Task:      &task,
			Completed: completedNow,
		}, nil

	case policy.DeleteTask:
		task, err := e.tasks.Delete(ctx, userID, a.TaskID)
		if err != nil {
			return Outcome{Action: a.Name()}, err
		}
		return Outcome{
			Action: a.Name(),
			Output: encode(map[string]any{"success": true, "deleted": task.ID}),
			Task:   &task,
		}, nil

	case policy.ListTasks:
		list, err := e.tasks.List(ctx, userID, tasks.Filter{Status: a.Status, Priority: a.Priority})
		if err != nil {
			return Outcome{Action: a.Name()}, err
		}
		return Outcome{
			Action: a.Name(),
			Output: encode(map[string]any{"success": true, "count": len(list), "tasks": list}),
		}, nil

	case policy.AnalyzeProductivity:
		snap, err := e.patterns.Snapshot(ctx, userID)
		if err != nil {
			return Outcome{Action: a.Name()}, err
		}
		return Outcome{
			Action: a.Name(),
			Output: encode(map[string]any{
				"success":  true,
				"focus":    a.Focus,
				"summary":  patterns.Summary(snap),
				"patterns": snap,
			}),
		}, nil

	default:
		return Outcome{Action: action.Name()}, fmt.Errorf("%w: %q", ErrUnsupportedAction, action.Name())
	}
}

// Record folds create and complete side effects into the pattern tracker.
// Tracker failures are logged and not returned.
func (e *Executor) Record(ctx context.Context, userID string, outcomes ...Outcome) {
	for _, o := range outcomes {
		if o.Task == nil {
			continue
		}
		var err error
		switch {
		case o.Created:
			_, err = e.patterns.OnTaskCreated(ctx, userID, *o.Task)
		case o.Completed:
			_, err = e.patterns.OnTaskCompleted(ctx, userID, *o.Task)
		default:
			continue
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("user_id", userID).Str("action", string(o.Action)).Msg("pattern update failed")
		}
	}
}

// ExecuteApproved runs a stored approval's action and records its side effects immediately.
func (e *Executor) ExecuteApproved(ctx context.Context, userID, name string, args json.RawMessage) (string, error) {
	action, err := policy.DecodeAction(strings.TrimSpace(name), args)
	if err != nil {
		return "", err
	}
	outcome, err := e.Run(ctx, userID, action)
	if err != nil {
		return "", err
	}
	e.Record(ctx, userID, outcome)
	return outcome.Output, nil
}

// FailureOutput is the tool output reported to the agent when an action fails.
func FailureOutput(err error) string {
	return encode(map[string]any{"success": false, "error": err.Error()})
}

// PendingOutput is the placeholder tool output for a deferred action.
func PendingOutput(approvalID string, reason string) string {
	return encode(map[string]any{
		"success":     false,
		"pending":     true,
		"approval_id": approvalID,
		"message":     "This action needs the user's confirmation before it runs. " + reason,
	})
}

func encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(raw)
}
