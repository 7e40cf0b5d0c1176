package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/policy"
	"github.com/ent0n29/taskmate/internal/tasks"
)

func newExecutor() (*Executor, *tasks.Manager, *patterns.Tracker) {
	m := tasks.NewManager(nil)
	tr := patterns.NewTracker(nil, zerolog.Nop())
	return NewExecutor(m, tr, zerolog.Nop()), m, tr
}

func TestExecutorCreateThenRecord(t *testing.T) {
	e, _, tr := newExecutor()
	ctx := context.Background()
	due := time.Now().Add(48 * time.Hour)

	out, err := e.Run(ctx, "u1", policy.CreateTask{Title: "Buy milk", Priority: "high", DueDate: &due})
	require.NoError(t, err)
	require.NotNil(t, out.Task)
	assert.True(t, out.Created)
	assert.Contains(t, out.Output, `"success":true`)

	snap, _ := tr.Snapshot(ctx, "u1")
	assert.Zero(t, snap.Created.Total(), "Run alone must not touch patterns")

	e.Record(ctx, "u1", out)
	snap, _ = tr.Snapshot(ctx, "u1")
	assert.Equal(t, int64(1), snap.Created.High)
	assert.Equal(t, int64(1), snap.WithDueDate)
}

func TestExecutorUpdateCompletionRecorded(t *testing.T) {
	e, m, tr := newExecutor()
	ctx := context.Background()
	task, err := m.Create(ctx, "u1", tasks.CreateInput{Title: "report"})
	require.NoError(t, err)

	done := "completed"
	out, err := e.Run(ctx, "u1", policy.UpdateTask{TaskID: task.ID, Status: &done})
	require.NoError(t, err)
	assert.True(t, out.Completed)
	e.Record(ctx, "u1", out)

	snap, _ := tr.Snapshot(ctx, "u1")
	assert.Equal(t, int64(1), snap.Completed.Medium)
}

func TestExecutorListAndAnalyze(t *testing.T) {
	e, m, _ := newExecutor()
	ctx := context.Background()
	_, _ = m.Create(ctx, "u1", tasks.CreateInput{Title: "a"})
	_, _ = m.Create(ctx, "u2", tasks.CreateInput{Title: "b"})

	out, err := e.Run(ctx, "u1", policy.ListTasks{})
	require.NoError(t, err)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Output), &listed))
	assert.Equal(t, 1, listed.Count)

	out, err = e.Run(ctx, "u1", policy.AnalyzeProductivity{})
	require.NoError(t, err)
	assert.Contains(t, out.Output, "summary")
}

func TestExecutorUnknownAndMissing(t *testing.T) {
	e, _, _ := newExecutor()
	ctx := context.Background()

	_, err := e.Run(ctx, "u1", policy.Unknown{RawName: "send_email"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = e.Run(ctx, "u1", policy.DeleteTask{TaskID: "missing"})
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
}

func TestExecuteApprovedDeletesWithoutPatternChange(t *testing.T) {
	e, m, tr := newExecutor()
	ctx := context.Background()
	task, _ := m.Create(ctx, "u1", tasks.CreateInput{Title: "old"})

	args, _ := json.Marshal(map[string]string{"taskId": task.ID})
	out, err := e.ExecuteApproved(ctx, "u1", "delete_task", args)
	require.NoError(t, err)
	assert.Contains(t, out, task.ID)

	_, err = m.Get(ctx, "u1", task.ID)
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
	snap, _ := tr.Snapshot(ctx, "u1")
	assert.Zero(t, snap.Created.Total()+snap.Completed.Total())
}

func TestFailureAndPendingOutput(t *testing.T) {
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(FailureOutput(errors.New("boom"))), &v))
	assert.Equal(t, false, v["success"])
	assert.Equal(t, "boom", v["error"])

	require.NoError(t, json.Unmarshal([]byte(PendingOutput("ap1", "")), &v))
	assert.Equal(t, true, v["pending"])
	assert.Equal(t, "ap1", v["approval_id"])
}
