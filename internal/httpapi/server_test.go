package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/taskmate/internal/actions"
	"github.com/ent0n29/taskmate/internal/agent"
	"github.com/ent0n29/taskmate/internal/approvals"
	"github.com/ent0n29/taskmate/internal/config"
	"github.com/ent0n29/taskmate/internal/coordinator"
	"github.com/ent0n29/taskmate/internal/observability"
	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/tasks"
	"github.com/ent0n29/taskmate/internal/threads"
)

type testStack struct {
	server    *httptest.Server
	tasks     *tasks.Manager
	approvals *approvals.Service
}

func newTestStack(t *testing.T, messenger Messenger, ready func(context.Context) error) *testStack {
	t.Helper()
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)

	taskManager := tasks.NewManager(tasks.NewInMemoryStore())
	tracker := patterns.NewTracker(patterns.NewInMemoryStore(), logger)
	executor := actions.NewExecutor(taskManager, tracker, logger)
	approvalService := approvals.NewService(approvals.NewInMemoryStore(), executor, metrics, logger)

	if messenger == nil {
		mock := agent.NewMockService()
		messenger = coordinator.New(coordinator.Deps{
			Agent:     mock,
			Threads:   threads.NewRegistry(threads.NewInMemoryStore(), mock, logger),
			Actions:   executor,
			Approvals: approvalService,
			Metrics:   metrics,
			Logger:    logger,
		}, coordinator.Options{PollBaseDelay: time.Millisecond, PollMaxAttempts: 10, BusyRetries: 1})
	}

	srv := New(config.Config{AgentMode: "mock", StoreDriver: "memory"}, Deps{
		Messenger: messenger,
		Approvals: approvalService,
		Tasks:     taskManager,
		Patterns:  tracker,
		Metrics:   metrics,
		Gatherer:  reg,
		Ready:     ready,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testStack{server: ts, tasks: taskManager, approvals: approvalService}
}

func (s *testStack) do(t *testing.T, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return res.StatusCode, payload
}

func TestSendMessageRequiresUser(t *testing.T) {
	stack := newTestStack(t, nil, nil)
	status, payload := stack.do(t, http.MethodPost, "/v1/messages", "", map[string]string{"message": "hi"})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", status, http.StatusUnauthorized)
	}
	if payload["code"] != "missing_user" {
		t.Fatalf("code = %v, want missing_user", payload["code"])
	}
}

func TestSendMessageCreatesTask(t *testing.T) {
	stack := newTestStack(t, nil, nil)

	status, payload := stack.do(t, http.MethodPost, "/v1/messages", "u1", map[string]string{"message": "create a task to buy milk"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d (payload %+v)", status, http.StatusOK, payload)
	}
	executed, _ := payload["executed_functions"].([]any)
	if len(executed) != 1 || executed[0] != "create_task" {
		t.Fatalf("executed_functions = %v, want [create_task]", payload["executed_functions"])
	}

	status, payload = stack.do(t, http.MethodGet, "/v1/tasks", "u1", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /v1/tasks status = %d", status)
	}
	if payload["count"] != float64(1) {
		t.Fatalf("task count = %v, want 1", payload["count"])
	}

	status, payload = stack.do(t, http.MethodGet, "/v1/patterns", "u1", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /v1/patterns status = %d", status)
	}
	if !strings.Contains(payload["summary"].(string), "Tasks created: 1") {
		t.Fatalf("summary = %q, want it to count the created task", payload["summary"])
	}
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	stack := newTestStack(t, nil, nil)
	ctx := context.Background()
	task, err := stack.tasks.Create(ctx, "u1", tasks.CreateInput{Title: "Old report"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	status, payload := stack.do(t, http.MethodPost, "/v1/messages", "u1", map[string]string{"message": "delete task " + task.ID})
	if status != http.StatusOK {
		t.Fatalf("send status = %d (payload %+v)", status, payload)
	}
	if payload["pending_approvals"] != float64(1) {
		t.Fatalf("pending_approvals = %v, want 1", payload["pending_approvals"])
	}

	status, payload = stack.do(t, http.MethodGet, "/v1/approvals", "u1", nil)
	if status != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("list approvals = %d %+v, want one pending", status, payload)
	}
	id := payload["approvals"].([]any)[0].(map[string]any)["id"].(string)

	if status, _ := stack.do(t, http.MethodPost, "/v1/approvals/"+id+"/execute", "u1", nil); status != http.StatusPreconditionFailed {
		t.Fatalf("execute before approve status = %d, want %d", status, http.StatusPreconditionFailed)
	}
	if status, _ := stack.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "u2", nil); status != http.StatusNotFound {
		t.Fatalf("approve by other user status = %d, want %d", status, http.StatusNotFound)
	}
	if status, _ := stack.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "u1", nil); status != http.StatusOK {
		t.Fatalf("approve status = %d, want %d", status, http.StatusOK)
	}
	status, payload = stack.do(t, http.MethodPost, "/v1/approvals/"+id+"/execute", "u1", nil)
	if status != http.StatusOK || payload["status"] != string(approvals.StatusExecuted) {
		t.Fatalf("execute = %d %+v, want executed", status, payload)
	}
	if status, _ := stack.do(t, http.MethodPost, "/v1/approvals/"+id+"/execute", "u1", nil); status != http.StatusPreconditionFailed {
		t.Fatalf("second execute status = %d, want %d", status, http.StatusPreconditionFailed)
	}

	if _, err := stack.tasks.Get(ctx, "u1", task.ID); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("Get() after execute error = %v, want ErrTaskNotFound", err)
	}
}

type stubMessenger struct {
	err error
}

func (s stubMessenger) Send(context.Context, string, string) (coordinator.Reply, error) {
	return coordinator.Reply{}, s.err
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{
			name:      "still processing",
			err:       &coordinator.RunError{Kind: coordinator.ErrStillProcessing, ThreadID: "t", RunID: "r"},
			status:    http.StatusConflict,
			code:      "still_processing",
			retryable: true,
		},
		{
			name:      "timeout",
			err:       &coordinator.RunError{Kind: coordinator.ErrRunTimeout, ThreadID: "t", RunID: "r"},
			status:    http.StatusGatewayTimeout,
			code:      "timeout",
			retryable: true,
		},
		{
			name:      "agent overloaded",
			err:       &agent.APIError{Op: "create_run", StatusCode: http.StatusServiceUnavailable},
			status:    http.StatusServiceUnavailable,
			code:      "agent_unavailable",
			retryable: true,
		},
		{
			name:   "run failed",
			err:    &coordinator.RunError{Kind: coordinator.ErrRunFailed, ThreadID: "t", RunID: "r"},
			status: http.StatusBadGateway,
			code:   "run_failed",
		},
		{
			name:   "internal",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   "internal_error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stack := newTestStack(t, stubMessenger{err: tc.err}, nil)
			status, payload := stack.do(t, http.MethodPost, "/v1/messages", "u1", map[string]string{"message": "hi"})
			if status != tc.status {
				t.Fatalf("status = %d, want %d", status, tc.status)
			}
			if payload["code"] != tc.code {
				t.Fatalf("code = %v, want %s", payload["code"], tc.code)
			}
			retryable, _ := payload["retryable"].(bool)
			if retryable != tc.retryable {
				t.Fatalf("retryable = %v, want %v", retryable, tc.retryable)
			}
			if payload["error"] != coordinator.UserMessage(tc.err) {
				t.Fatalf("error = %v, want %q", payload["error"], coordinator.UserMessage(tc.err))
			}
		})
	}
}

func TestApprovalStream(t *testing.T) {
	stack := newTestStack(t, nil, nil)
	wsURL := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/v1/approvals/ws?user_id=u1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot approvalSnapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "approval_snapshot" || len(snapshot.Approvals) != 0 {
		t.Fatalf("snapshot = %+v, want empty approval_snapshot", snapshot)
	}

	created, err := stack.approvals.Create(context.Background(), approvals.CreateInput{
		UserID:    "u1",
		Action:    "delete_task",
		Arguments: json.RawMessage(`{"taskId":"t1"}`),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var evt approvals.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != approvals.EventCreated || evt.Approval.ID != created.ID {
		t.Fatalf("event = %+v, want approval_created for %s", evt, created.ID)
	}
}

func TestHealthReadyAndMetrics(t *testing.T) {
	stack := newTestStack(t, nil, func(context.Context) error { return errors.New("database unreachable") })

	if status, payload := stack.do(t, http.MethodGet, "/healthz", "", nil); status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", status, payload)
	}
	if status, payload := stack.do(t, http.MethodGet, "/readyz", "", nil); status != http.StatusServiceUnavailable || payload["code"] != "not_ready" {
		t.Fatalf("readyz = %d %+v, want 503 not_ready", status, payload)
	}

	res, err := http.Get(stack.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestSetupStatusFlagsMockDefaults(t *testing.T) {
	stack := newTestStack(t, nil, nil)

	status, payload := stack.do(t, http.MethodGet, "/v1/setup/status", "", nil)
	if status != http.StatusOK {
		t.Fatalf("setup status = %d, want %d", status, http.StatusOK)
	}
	checks, _ := payload["checks"].([]any)
	got := map[string]string{}
	for _, raw := range checks {
		c, _ := raw.(map[string]any)
		id, _ := c["id"].(string)
		st, _ := c["status"].(string)
		got[id] = st
	}
	if got["agent_mode"] != "warn" || got["store"] != "warn" || got["run_polling"] != "ok" {
		t.Fatalf("checks = %+v", got)
	}
}

func TestDialEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	if err := dialEndpoint(ts.URL); err != nil {
		t.Fatalf("dialEndpoint(%q) error = %v", ts.URL, err)
	}
	if err := dialEndpoint("not a url"); err == nil {
		t.Fatalf("dialEndpoint() expected error for missing host")
	}
}
