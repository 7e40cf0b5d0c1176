package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlannedCall is a tool call the mock agent will request.
type PlannedCall struct {
	Name      string
	Arguments json.RawMessage
}

// Plan describes how a mock run unfolds for a given user message.
type Plan struct {
	ToolCalls []PlannedCall
	Reply     string
	// Outcome overrides the final status; zero means completed.
	Outcome   RunStatus
	LastError string
}

// Planner produces a Plan from the latest user message on the thread.
type Planner func(userText string) Plan

type MockOption func(*MockService)

// WithPlanner replaces the default keyword planner.
func WithPlanner(p Planner) MockOption {
	return func(m *MockService) {
		if p != nil {
			m.planner = p
		}
	}
}

// WithSettleSteps sets how many GetRun polls an in-progress run needs before it settles.
func WithSettleSteps(n int) MockOption {
	return func(m *MockService) {
		if n > 0 {
			m.settleSteps = n
		}
	}
}

// WithCreateRunHook runs fn at the start of every CreateRun, outside the service lock.
func WithCreateRunHook(fn func(threadID string)) MockOption {
	return func(m *MockService) { m.createRunHook = fn }
}

type mockThread struct {
	id       string
	messages []Message
	runIDs   []string
}

type mockRun struct {
	run       Run
	plan      Plan
	polls     int
	submitted bool
}

// MockService is an in-process agent. Like the real service it allows at most one
// non-terminal run per thread and rejects messages and runs while one is active.
type MockService struct {
	mu            sync.Mutex
	planner       Planner
	settleSteps   int
	createRunHook func(threadID string)

	threads   map[string]*mockThread
	runs      map[string]*mockRun
	maxActive map[string]int

	createRunCalls int
	getRunCalls    int
}

func NewMockService(opts ...MockOption) *MockService {
	m := &MockService{
		planner:     KeywordPlanner,
		settleSteps: 1,
		threads:     make(map[string]*mockThread),
		runs:        make(map[string]*mockRun),
		maxActive:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockService) CreateThread(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "thread_" + shortID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = &mockThread{id: id}
	return id, nil
}

func (m *MockService) ListRecentRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := make([]Run, 0, len(th.runIDs))
	for i := len(th.runIDs) - 1; i >= 0; i-- {
		out = append(out, cloneRun(m.runs[th.runIDs[i]].run))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockService) AppendMessage(ctx context.Context, threadID, role, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return Message{}, ErrThreadNotFound
	}
	if active := m.activeRunLocked(th); active != "" {
		return Message{}, &ActiveRunError{
			ThreadID: threadID,
			RunID:    active,
			Message:  fmt.Sprintf("Can't add messages to %s while a run %s is active.", threadID, active),
		}
	}
	msg := Message{
		ID:        "msg_" + shortID(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	th.messages = append(th.messages, msg)
	return msg, nil
}

func (m *MockService) CreateRun(ctx context.Context, threadID string, req CreateRunRequest) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	if m.createRunHook != nil {
		m.createRunHook(threadID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createRunCalls++
	th, ok := m.threads[threadID]
	if !ok {
		return Run{}, ErrThreadNotFound
	}
	if active := m.activeRunLocked(th); active != "" {
		return Run{}, &ActiveRunError{
			ThreadID: threadID,
			RunID:    active,
			Message:  fmt.Sprintf("Thread %s already has an active run %s.", threadID, active),
		}
	}
	return m.startRunLocked(th, m.planner(lastUserText(th.messages))), nil
}

// InjectRun starts a run with an explicit plan, as another instance of the caller would.
func (m *MockService) InjectRun(threadID string, plan Plan) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return Run{}, ErrThreadNotFound
	}
	if active := m.activeRunLocked(th); active != "" {
		return Run{}, &ActiveRunError{ThreadID: threadID, RunID: active}
	}
	return m.startRunLocked(th, plan), nil
}

func (m *MockService) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getRunCalls++
	mr, ok := m.runs[runID]
	if !ok || mr.run.ThreadID != threadID {
		return Run{}, ErrRunNotFound
	}
	m.advanceLocked(mr)
	return cloneRun(mr.run), nil
}

func (m *MockService) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.runs[runID]
	if !ok || mr.run.ThreadID != threadID {
		return Run{}, ErrRunNotFound
	}
	if mr.run.Status != RunStatusRequiresAction {
		return Run{}, &APIError{Op: "submit_tool_outputs", StatusCode: http.StatusBadRequest,
			Message: fmt.Sprintf("run %s is not waiting for tool outputs (status %s)", runID, mr.run.Status)}
	}
	want := make(map[string]bool, len(mr.run.ToolCalls))
	for _, tc := range mr.run.ToolCalls {
		want[tc.ID] = true
	}
	for _, o := range outputs {
		if !want[o.CallID] {
			return Run{}, &APIError{Op: "submit_tool_outputs", StatusCode: http.StatusBadRequest,
				Message: fmt.Sprintf("unknown tool call id %q", o.CallID)}
		}
		delete(want, o.CallID)
	}
	if len(want) > 0 {
		return Run{}, &APIError{Op: "submit_tool_outputs", StatusCode: http.StatusBadRequest,
			Message: "missing outputs for some tool calls"}
	}
	mr.submitted = true
	mr.polls = 0
	mr.run.Status = RunStatusInProgress
	mr.run.ToolCalls = nil
	return cloneRun(mr.run), nil
}

func (m *MockService) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := make([]Message, 0, len(th.messages))
	for i := len(th.messages) - 1; i >= 0; i-- {
		out = append(out, th.messages[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MaxActiveRuns is the highest number of simultaneously non-terminal runs seen on a thread.
func (m *MockService) MaxActiveRuns(threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive[threadID]
}

// Stats returns how many CreateRun and GetRun calls the service has served.
func (m *MockService) Stats() (createRuns, getRuns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRunCalls, m.getRunCalls
}

// ThreadIDs lists known threads in creation-independent sorted order.
func (m *MockService) ThreadIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MockService) startRunLocked(th *mockThread, plan Plan) Run {
	run := Run{
		ID:        "run_" + shortID(),
		ThreadID:  th.id,
		Status:    RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = &mockRun{run: run, plan: plan}
	th.runIDs = append(th.runIDs, run.ID)

	active := 0
	for _, id := range th.runIDs {
		if m.runs[id].run.Status.Active() {
			active++
		}
	}
	if active > m.maxActive[th.id] {
		m.maxActive[th.id] = active
	}
	return cloneRun(run)
}

func (m *MockService) activeRunLocked(th *mockThread) string {
	for i := len(th.runIDs) - 1; i >= 0; i-- {
		if r := m.runs[th.runIDs[i]]; r.run.Status.Active() {
			return r.run.ID
		}
	}
	return ""
}

func (m *MockService) advanceLocked(mr *mockRun) {
	switch mr.run.Status {
	case RunStatusQueued:
		mr.run.Status = RunStatusInProgress
	case RunStatusInProgress:
		mr.polls++
		if mr.polls < m.settleSteps {
			return
		}
		if len(mr.plan.ToolCalls) > 0 && !mr.submitted {
			mr.run.Status = RunStatusRequiresAction
			mr.run.ToolCalls = make([]ToolCall, 0, len(mr.plan.ToolCalls))
			for _, pc := range mr.plan.ToolCalls {
				args := pc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				mr.run.ToolCalls = append(mr.run.ToolCalls, ToolCall{ID: "call_" + shortID(), Name: pc.Name, Arguments: args})
			}
			return
		}
		m.finishLocked(mr)
	}
}

func (m *MockService) finishLocked(mr *mockRun) {
	outcome := mr.plan.Outcome
	if outcome == "" {
		outcome = RunStatusCompleted
	}
	mr.run.Status = outcome
	mr.run.LastError = mr.plan.LastError
	if outcome != RunStatusCompleted {
		return
	}
	reply := strings.TrimSpace(mr.plan.Reply)
	if reply == "" {
		reply = "Done."
	}
	th := m.threads[mr.run.ThreadID]
	th.messages = append(th.messages, Message{
		ID:        "msg_" + shortID(),
		ThreadID:  th.id,
		Role:      RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	})
}

func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func cloneRun(r Run) Run {
	out := r
	if r.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(r.ToolCalls))
		copy(out.ToolCalls, r.ToolCalls)
	}
	return out
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
