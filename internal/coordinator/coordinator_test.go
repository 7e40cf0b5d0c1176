package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskmate/internal/actions"
	"github.com/ent0n29/taskmate/internal/agent"
	"github.com/ent0n29/taskmate/internal/approvals"
	"github.com/ent0n29/taskmate/internal/memory"
	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/tasks"
	"github.com/ent0n29/taskmate/internal/threads"
)

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

type harness struct {
	agent     *agent.MockService
	coord     *Coordinator
	tasks     *tasks.Manager
	tracker   *patterns.Tracker
	approvals *approvals.Service
	turns     *memory.InMemoryStore
	sleeper   *recordingSleeper
}

func newHarness(t *testing.T, svc agent.Service, mock *agent.MockService) *harness {
	t.Helper()
	logger := zerolog.Nop()
	taskManager := tasks.NewManager(tasks.NewInMemoryStore())
	tracker := patterns.NewTracker(patterns.NewInMemoryStore(), logger)
	executor := actions.NewExecutor(taskManager, tracker, logger)
	approvalService := approvals.NewService(approvals.NewInMemoryStore(), executor, nil, logger)
	turns := memory.NewInMemoryStore()

	c := New(Deps{
		Agent:     svc,
		Threads:   threads.NewRegistry(threads.NewInMemoryStore(), svc, logger),
		Memory:    memory.NewContextBuilder(turns, tracker, 10),
		Actions:   executor,
		Approvals: approvalService,
		Logger:    logger,
	}, Options{
		AgentID:         "asst_test",
		PollBaseDelay:   time.Second,
		PollMaxAttempts: 10,
		BusyRetries:     1,
		MaxToolRounds:   8,
	})
	sleeper := &recordingSleeper{}
	c.sleep = sleeper.sleep

	return &harness{
		agent:     mock,
		coord:     c,
		tasks:     taskManager,
		tracker:   tracker,
		approvals: approvalService,
		turns:     turns,
		sleeper:   sleeper,
	}
}

func newMockHarness(t *testing.T, opts ...agent.MockOption) *harness {
	mock := agent.NewMockService(opts...)
	return newHarness(t, mock, mock)
}

func userMessages(t *testing.T, svc agent.Service, threadID string) int {
	t.Helper()
	msgs, err := svc.ListMessages(context.Background(), threadID, 0)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.Role == agent.RoleUser {
			n++
		}
	}
	return n
}

func TestSendCreatesTaskAutomatically(t *testing.T) {
	h := newMockHarness(t)
	ctx := context.Background()

	reply, err := h.coord.Send(ctx, "u1", "create a task to buy milk")
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, reply.Status)
	assert.Equal(t, []string{"create_task"}, reply.ExecutedFunctions)
	assert.Zero(t, reply.PendingApprovals)
	assert.False(t, reply.AwaitingDecision)
	assert.Contains(t, reply.Message, `I've added "Buy milk" to your tasks.`)
	assert.Contains(t, reply.Message, "Added to your tasks: Buy milk.")

	list, err := h.tasks.List(ctx, "u1", tasks.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Buy milk", list[0].Title)
	assert.Equal(t, tasks.PriorityMedium, list[0].Priority)

	snap, err := h.tracker.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Created.Medium)
	assert.Equal(t, int64(1), snap.WithoutDueDate)

	turns, err := h.turns.RecentContext(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, agent.RoleUser, turns[0].Role)
	assert.Equal(t, agent.RoleAssistant, turns[1].Role)
	assert.Equal(t, reply.ThreadID, turns[0].ThreadID)
}

func TestSendReusesThreadPerUser(t *testing.T) {
	h := newMockHarness(t)
	ctx := context.Background()

	first, err := h.coord.Send(ctx, "u1", "hello")
	require.NoError(t, err)
	second, err := h.coord.Send(ctx, "u1", "hello again")
	require.NoError(t, err)
	other, err := h.coord.Send(ctx, "u2", "hi")
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.NotEqual(t, first.ThreadID, other.ThreadID)
	assert.Equal(t, "I heard you: hello again", second.Message)
	assert.Len(t, h.agent.ThreadIDs(), 2)
}

func TestSendDefersDeleteUntilApproved(t *testing.T) {
	h := newMockHarness(t)
	ctx := context.Background()

	task, err := h.tasks.Create(ctx, "u1", tasks.CreateInput{Title: "Old report"})
	require.NoError(t, err)

	reply, err := h.coord.Send(ctx, "u1", "please delete task "+task.ID)
	require.NoError(t, err)
	assert.Empty(t, reply.ExecutedFunctions)
	require.Len(t, reply.ApprovalIDs, 1)
	assert.Equal(t, 1, reply.PendingApprovals)

	_, err = h.tasks.Get(ctx, "u1", task.ID)
	require.NoError(t, err, "task must survive until the deletion is approved")

	pending, err := h.approvals.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "delete_task", pending[0].Action)
	assert.Equal(t, reply.RunID, pending[0].RunID)

	_, err = h.approvals.SetStatus(ctx, reply.ApprovalIDs[0], "u1", approvals.StatusApproved)
	require.NoError(t, err)
	executed, err := h.approvals.Execute(ctx, reply.ApprovalIDs[0], "u1")
	require.NoError(t, err)
	assert.Equal(t, approvals.StatusExecuted, executed.Status)

	_, err = h.tasks.Get(ctx, "u1", task.ID)
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)

	snap, err := h.tracker.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, snap.Created.Total())
	assert.Zero(t, snap.Completed.Total())
}

func TestSendDefersUnknownTool(t *testing.T) {
	h := newMockHarness(t, agent.WithPlanner(func(string) agent.Plan {
		return agent.Plan{
			ToolCalls: []agent.PlannedCall{{Name: "send_email", Arguments: []byte(`{"to":"boss"}`)}},
			Reply:     "I'll send it once you confirm.",
		}
	}))

	reply, err := h.coord.Send(context.Background(), "u1", "email my boss")
	require.NoError(t, err)
	assert.Empty(t, reply.ExecutedFunctions)
	assert.Len(t, reply.ApprovalIDs, 1)
	assert.Equal(t, 1, reply.PendingApprovals)
	assert.Equal(t, "I'll send it once you confirm.", reply.Message)
}

// outputRecorder keeps every batch of tool outputs the coordinator submits.
type outputRecorder struct {
	*agent.MockService
	mu      sync.Mutex
	batches [][]agent.ToolOutput
}

func (o *outputRecorder) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []agent.ToolOutput) (agent.Run, error) {
	o.mu.Lock()
	o.batches = append(o.batches, append([]agent.ToolOutput(nil), outputs...))
	o.mu.Unlock()
	return o.MockService.SubmitToolOutputs(ctx, threadID, runID, outputs)
}

func TestSendToolFailureDoesNotAbortBatch(t *testing.T) {
	mock := agent.NewMockService(agent.WithPlanner(func(string) agent.Plan {
		return agent.Plan{
			ToolCalls: []agent.PlannedCall{
				{Name: "update_task", Arguments: []byte(`{"task_id":"missing","status":"completed"}`)},
				{Name: "create_task", Arguments: []byte(`{"title":"Call mom","priority":"high"}`)},
				{Name: "delete_task", Arguments: []byte(`{"task_id":"t1"}`)},
			},
			Reply: "Done what I could.",
		}
	}))
	rec := &outputRecorder{MockService: mock}
	h := newHarness(t, rec, mock)
	ctx := context.Background()

	reply, err := h.coord.Send(ctx, "u1", "tidy up my tasks")
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, reply.Status)
	assert.Equal(t, []string{"create_task"}, reply.ExecutedFunctions)
	assert.Equal(t, 1, reply.PendingApprovals)
	assert.Contains(t, reply.Message, "Added to your tasks: Call mom.")

	rec.mu.Lock()
	batches := rec.batches
	rec.mu.Unlock()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Contains(t, batches[0][0].Output, `"success":false`)
	assert.Contains(t, batches[0][0].Output, "task not found")
	assert.Contains(t, batches[0][1].Output, `"success":true`)
	assert.Contains(t, batches[0][2].Output, `"pending":true`)

	list, err := h.tasks.List(ctx, "u1", tasks.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Call mom", list[0].Title)
}

func TestDeliverPollingTimeoutBackoff(t *testing.T) {
	h := newMockHarness(t, agent.WithSettleSteps(100))
	ctx := context.Background()
	threadID, err := h.agent.CreateThread(ctx)
	require.NoError(t, err)

	_, err = h.coord.Deliver(ctx, "u1", threadID, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.True(t, Retryable(err))
	assert.Equal(t, "timeout", ErrorKind(err))

	_, getRuns := h.agent.Stats()
	assert.Equal(t, 10, getRuns)

	sleeps := h.sleeper.recorded()
	require.Len(t, sleeps, 9)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, sleeps[:5])
	assert.Equal(t, 256*time.Second, sleeps[8])
}

func TestDeliverRecoversFromRaceOnCreateRun(t *testing.T) {
	var mock *agent.MockService
	var once sync.Once
	mock = agent.NewMockService(agent.WithCreateRunHook(func(threadID string) {
		once.Do(func() {
			_, err := mock.InjectRun(threadID, agent.Plan{Reply: "from the other instance"})
			if err != nil {
				panic(err)
			}
		})
	}))
	h := newHarness(t, mock, mock)
	ctx := context.Background()
	threadID, err := mock.CreateThread(ctx)
	require.NoError(t, err)

	reply, err := h.coord.Deliver(ctx, "u1", threadID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "I heard you: hello there", reply.Message)
	assert.Equal(t, 1, userMessages(t, mock, threadID), "user message must be appended exactly once")
	assert.Equal(t, 1, mock.MaxActiveRuns(threadID))

	createRuns, _ := mock.Stats()
	assert.Equal(t, 2, createRuns)
}

func TestDeliverRaceEndsAwaitingDecision(t *testing.T) {
	var mock *agent.MockService
	var once sync.Once
	mock = agent.NewMockService(agent.WithCreateRunHook(func(threadID string) {
		once.Do(func() {
			_, _ = mock.InjectRun(threadID, agent.Plan{
				ToolCalls: []agent.PlannedCall{{Name: "delete_task", Arguments: []byte(`{"taskId":"t1"}`)}},
			})
		})
	}))
	h := newHarness(t, mock, mock)
	ctx := context.Background()
	threadID, _ := mock.CreateThread(ctx)

	reply, err := h.coord.Deliver(ctx, "u1", threadID, "hello")
	require.NoError(t, err)
	assert.True(t, reply.AwaitingDecision)
	assert.Equal(t, agent.RunStatusRequiresAction, reply.Status)
	assert.Empty(t, reply.ExecutedFunctions)
}

func TestDeliverRaceStillProcessing(t *testing.T) {
	var mock *agent.MockService
	var once sync.Once
	mock = agent.NewMockService(agent.WithSettleSteps(100), agent.WithCreateRunHook(func(threadID string) {
		once.Do(func() { _, _ = mock.InjectRun(threadID, agent.Plan{}) })
	}))
	h := newHarness(t, mock, mock)
	ctx := context.Background()
	threadID, _ := mock.CreateThread(ctx)

	_, err := h.coord.Deliver(ctx, "u1", threadID, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStillProcessing)
	assert.True(t, Retryable(err))
	assert.Equal(t, "I'm still working on your previous message. Please try again shortly.", UserMessage(err))
	assert.Equal(t, 1, mock.MaxActiveRuns(threadID))
}

func TestDeliverWaitsForEarlierRun(t *testing.T) {
	h := newMockHarness(t)
	ctx := context.Background()
	threadID, _ := h.agent.CreateThread(ctx)
	_, err := h.agent.InjectRun(threadID, agent.Plan{Reply: "earlier"})
	require.NoError(t, err)

	reply, err := h.coord.Deliver(ctx, "u1", threadID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "I heard you: hello", reply.Message)
	assert.Equal(t, 1, h.agent.MaxActiveRuns(threadID))
	assert.Equal(t, 1, userMessages(t, h.agent, threadID))
}

func TestDeliverTerminalFailures(t *testing.T) {
	cases := []struct {
		name      string
		outcome   agent.RunStatus
		want      error
		kind      string
		retryable bool
	}{
		{name: "failed", outcome: agent.RunStatusFailed, want: ErrRunFailed, kind: "run_failed"},
		{name: "expired", outcome: agent.RunStatusExpired, want: ErrRunTerminated, kind: "run_terminated"},
		{name: "cancelled", outcome: agent.RunStatusCancelled, want: ErrRunTerminated, kind: "run_terminated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newMockHarness(t, agent.WithPlanner(func(string) agent.Plan {
				return agent.Plan{Outcome: tc.outcome, LastError: "server_error: boom"}
			}))
			_, err := h.coord.Send(context.Background(), "u1", "hello")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.retryable, Retryable(err))
			assert.Equal(t, tc.kind, ErrorKind(err))
			assert.Equal(t, "Sorry, I couldn't complete that request.", UserMessage(err))

			var runErr *RunError
			require.ErrorAs(t, err, &runErr)
			assert.Equal(t, tc.outcome, runErr.Status)
			assert.Contains(t, err.Error(), "server_error: boom")
		})
	}
}

func TestDeliverConcurrentOnOneThread(t *testing.T) {
	h := newMockHarness(t)
	ctx := context.Background()
	threadID, _ := h.agent.CreateThread(ctx)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.Deliver(ctx, "u1", threadID, fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrStillProcessing)
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.LessOrEqual(t, h.agent.MaxActiveRuns(threadID), 1)
}

// flakyAgent fails the first GetRun with a transient upstream error.
type flakyAgent struct {
	*agent.MockService
	mu     sync.Mutex
	failed bool
}

func (f *flakyAgent) GetRun(ctx context.Context, threadID, runID string) (agent.Run, error) {
	f.mu.Lock()
	fail := !f.failed
	f.failed = true
	f.mu.Unlock()
	if fail {
		return agent.Run{}, &agent.APIError{Op: "get_run", StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
	}
	return f.MockService.GetRun(ctx, threadID, runID)
}

func TestDeliverRetriesTransientPollErrors(t *testing.T) {
	mock := agent.NewMockService()
	h := newHarness(t, &flakyAgent{MockService: mock}, mock)

	reply, err := h.coord.Send(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, reply.Status)
	assert.NotEmpty(t, h.sleeper.recorded())
}

func TestDeliverValidatesInput(t *testing.T) {
	h := newMockHarness(t)
	_, err := h.coord.Deliver(context.Background(), "u1", "thread_1", "   ")
	require.Error(t, err)
	_, err = h.coord.Deliver(context.Background(), "", "thread_1", "hi")
	require.Error(t, err)
}

func TestDeliverHonoursCancellation(t *testing.T) {
	h := newMockHarness(t, agent.WithSettleSteps(100))
	ctx, cancel := context.WithCancel(context.Background())
	threadID, _ := h.agent.CreateThread(ctx)
	h.coord.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.coord.Deliver(ctx, "u1", threadID, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "canceled", ErrorKind(err))
}

func TestErrorKindSeparatesCancellationFromTransientFailures(t *testing.T) {
	canceled := fmt.Errorf("agent get_run: %w", context.Canceled)
	assert.Equal(t, "canceled", ErrorKind(canceled))
	assert.False(t, Retryable(canceled))

	transient := &agent.APIError{Op: "get_run", StatusCode: http.StatusServiceUnavailable, Message: "dial tcp: connection refused"}
	assert.Equal(t, "agent_transient", ErrorKind(transient))
	assert.True(t, Retryable(transient))
}
