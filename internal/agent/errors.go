package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ent0n29/taskmate/internal/reliability"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrRunNotFound    = errors.New("run not found")
)

// ActiveRunError is the agent's rejection of a message or run while another run
// is still active on the thread. It is an expected outcome under concurrent delivery.
type ActiveRunError struct {
	ThreadID string
	RunID    string
	Message  string
}

func (e *ActiveRunError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("thread %s already has an active run %s", e.ThreadID, e.RunID)
}

// AsActiveRun extracts an ActiveRunError from err's chain.
func AsActiveRun(err error) (*ActiveRunError, bool) {
	var active *ActiveRunError
	if errors.As(err, &active) {
		return active, true
	}
	return nil, false
}

var activeRunPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)already has an active run\s+([A-Za-z0-9_\-]+)`),
	regexp.MustCompile(`(?i)while a run\s+([A-Za-z0-9_\-]+)\s+is active`),
	regexp.MustCompile(`(?i)\bactive run[:\s]+([A-Za-z0-9_\-]+)`),
}

// ParseActiveRunError recognises the agent's "already active" error text and pulls out the run id.
func ParseActiveRunError(threadID, msg string) (*ActiveRunError, bool) {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "active") || !strings.Contains(lower, "run") {
		return nil, false
	}
	for _, re := range activeRunPatterns {
		if m := re.FindStringSubmatch(msg); len(m) == 2 {
			return &ActiveRunError{
				ThreadID: threadID,
				RunID:    strings.TrimRight(m[1], ".,;"),
				Message:  strings.TrimSpace(msg),
			}, true
		}
	}
	return nil, false
}

// APIError is a non-2xx response from the agent service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable marks rate limiting and upstream failures as transient.
func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}
