package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		tool string
		args string
		want Verdict
	}{
		{"create with title", "create_task", `{"title":"Buy milk"}`, VerdictExecute},
		{"create without args", "create_task", `{}`, VerdictDefer},
		{"create blank title", "create_task", `{"title":"   "}`, VerdictDefer},
		{"create malformed", "create_task", `{"title":`, VerdictDefer},
		{"update with camel id", "update_task", `{"taskId":"t1","status":"completed"}`, VerdictExecute},
		{"update with snake id", "update_task", `{"task_id":"t1"}`, VerdictExecute},
		{"update without id", "update_task", `{"title":"x"}`, VerdictDefer},
		{"delete always defers", "delete_task", `{"taskId":"t1"}`, VerdictDefer},
		{"delete without id", "delete_task", `{}`, VerdictDefer},
		{"list", "list_tasks", `{}`, VerdictExecute},
		{"list no args", "list_tasks", ``, VerdictExecute},
		{"analyze", "analyze_productivity", `{}`, VerdictExecute},
		{"unknown", "send_email", `{"to":"a@b.c"}`, VerdictDefer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, _ := DecodeAction(tc.tool, []byte(tc.args))
			d := Classify(action)
			assert.Equal(t, tc.want, d.Verdict)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecodeActionVariants(t *testing.T) {
	a, err := DecodeAction("create_task", json.RawMessage(`{"title":" Buy milk ","priority":"high","dueDate":"2026-01-05"}`))
	require.NoError(t, err)
	create, ok := a.(CreateTask)
	require.True(t, ok, "want CreateTask, got %T", a)
	assert.Equal(t, "Buy milk", create.Title)
	assert.Equal(t, "high", create.Priority)
	require.NotNil(t, create.DueDate)
	assert.Equal(t, "2026-01-05", create.DueDate.Format("2006-01-02"))

	a, err = DecodeAction("update_task", json.RawMessage(`{"task_id":"t9","status":"completed"}`))
	require.NoError(t, err)
	update := a.(UpdateTask)
	assert.Equal(t, "t9", update.TaskID)
	require.NotNil(t, update.Status)
	assert.Equal(t, "completed", *update.Status)
	assert.Nil(t, update.Title)

	a, err = DecodeAction("archive_task", json.RawMessage(`{"id":"t1"}`))
	require.NoError(t, err)
	unknown := a.(Unknown)
	assert.Equal(t, ActionName("archive_task"), unknown.Name())
	assert.JSONEq(t, `{"id":"t1"}`, string(unknown.Raw))
}

func TestDecodeActionMalformedKeepsVariant(t *testing.T) {
	a, err := DecodeAction("delete_task", json.RawMessage(`not json`))
	require.Error(t, err)
	assert.Equal(t, DeleteTask{}, a)
}

func TestDecodeActionRejectsBadDueDate(t *testing.T) {
	a, err := DecodeAction("create_task", json.RawMessage(`{"title":"x","due_date":"next tuesday"}`))
	require.Error(t, err)
	assert.Equal(t, "x", a.(CreateTask).Title)
	assert.Nil(t, a.(CreateTask).DueDate)
}
