package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient talks to an assistants-style REST agent service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireRun struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

func (w wireRun) toRun() Run {
	r := Run{
		ID:        w.ID,
		ThreadID:  w.ThreadID,
		Status:    RunStatus(w.Status),
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
	}
	if w.RequiredAction != nil {
		for _, tc := range w.RequiredAction.SubmitToolOutputs.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if strings.TrimSpace(tc.Function.Arguments) == "" {
				args = json.RawMessage(`{}`)
			}
			r.ToolCalls = append(r.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
	}
	if w.LastError != nil {
		r.LastError = strings.TrimSpace(w.LastError.Code + ": " + w.LastError.Message)
	}
	return r
}

type wireMessage struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Role      string          `json:"role"`
	CreatedAt int64           `json:"created_at"`
	Content   json.RawMessage `json:"content"`
}

func (w wireMessage) toMessage() Message {
	return Message{
		ID:        w.ID,
		ThreadID:  w.ThreadID,
		Role:      w.Role,
		Content:   extractContent(w.Content),
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
	}
}

// extractContent flattens either a plain string or a list of typed text parts.
func extractContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var out strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text.Value == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(p.Text.Value)
	}
	return out.String()
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

func (c *HTTPClient) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_thread", "", http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("agent create_thread: empty thread id")
	}
	return out.ID, nil
}

func (c *HTTPClient) ListRecentRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 1
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}, "order": {"desc"}}
	var out listEnvelope[wireRun]
	if err := c.do(ctx, "list_runs", threadID, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/runs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(out.Data))
	for _, w := range out.Data {
		runs = append(runs, w.toRun())
	}
	return runs, nil
}

func (c *HTTPClient) AppendMessage(ctx context.Context, threadID, role, content string) (Message, error) {
	body := map[string]string{"role": role, "content": content}
	var out wireMessage
	if err := c.do(ctx, "append_message", threadID, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, &out); err != nil {
		return Message{}, err
	}
	return out.toMessage(), nil
}

func (c *HTTPClient) CreateRun(ctx context.Context, threadID string, req CreateRunRequest) (Run, error) {
	var out wireRun
	if err := c.do(ctx, "create_run", threadID, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", req, &out); err != nil {
		return Run{}, err
	}
	return out.toRun(), nil
}

func (c *HTTPClient) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var out wireRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, "get_run", threadID, http.MethodGet, path, nil, &out); err != nil {
		return Run{}, err
	}
	return out.toRun(), nil
}

func (c *HTTPClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	body := map[string]any{"tool_outputs": outputs}
	var out wireRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	if err := c.do(ctx, "submit_tool_outputs", threadID, http.MethodPost, path, body, &out); err != nil {
		return Run{}, err
	}
	return out.toRun(), nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}, "order": {"desc"}}
	var out listEnvelope[wireMessage]
	if err := c.do(ctx, "list_messages", threadID, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(out.Data))
	for _, w := range out.Data {
		msgs = append(msgs, w.toMessage())
	}
	return msgs, nil
}

func (c *HTTPClient) do(ctx context.Context, op, threadID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("agent %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("agent %s: %w", op, ctxErr)
		}
		// Network failures are treated like a 503 so callers can offer a retry.
		return &APIError{Op: op, StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 8<<10))
		msg := errorMessage(raw)
		if active, ok := ParseActiveRunError(threadID, msg); ok {
			return active
		}
		if res.StatusCode == http.StatusNotFound {
			if strings.Contains(path, "/runs/") {
				return fmt.Errorf("agent %s: %w: %s", op, ErrRunNotFound, msg)
			}
			return fmt.Errorf("agent %s: %w: %s", op, ErrThreadNotFound, msg)
		}
		return &APIError{Op: op, StatusCode: res.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("agent %s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
