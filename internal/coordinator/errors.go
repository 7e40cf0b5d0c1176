package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/taskmate/internal/agent"
	"github.com/ent0n29/taskmate/internal/reliability"
)

var (
	// ErrStillProcessing means an earlier run on the thread has not finished yet.
	ErrStillProcessing = errors.New("previous request is still processing")
	// ErrRunTimeout means the run was still unresolved after the polling budget.
	ErrRunTimeout        = errors.New("run did not resolve within the polling budget")
	ErrRunFailed         = errors.New("run failed")
	ErrRunTerminated     = errors.New("run ended without completing")
	ErrTooManyToolRounds = errors.New("run requested too many tool rounds")
)

// RunError ties one of the sentinel errors above to the run it happened on.
type RunError struct {
	Kind     error
	ThreadID string
	RunID    string
	Status   agent.RunStatus
	Detail   string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%v (thread %s, run %s", e.Kind, e.ThreadID, e.RunID)
	if e.Status != "" {
		msg += ", status " + string(e.Status)
	}
	msg += ")"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Kind }

// Retryable is true for outcomes that may resolve if the caller delivers again later.
func (e *RunError) Retryable() bool {
	return errors.Is(e.Kind, ErrStillProcessing) || errors.Is(e.Kind, ErrRunTimeout)
}

// Retryable reports whether the caller should offer "try again shortly".
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return reliability.IsRetryable(err)
}

// ErrorKind is a short stable label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStillProcessing):
		return "still_processing"
	case errors.Is(err, ErrRunTimeout):
		return "timeout"
	case errors.Is(err, ErrRunFailed):
		return "run_failed"
	case errors.Is(err, ErrRunTerminated):
		return "run_terminated"
	case errors.Is(err, ErrTooManyToolRounds):
		return "tool_rounds"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	case reliability.IsRetryable(err):
		return "agent_transient"
	default:
		return "internal"
	}
}

// UserMessage renders err for the end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStillProcessing):
		return "I'm still working on your previous message. Please try again shortly."
	case errors.Is(err, ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return "This is taking longer than expected. Please try again shortly."
	case Retryable(err):
		return "The assistant is temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrRunFailed), errors.Is(err, ErrRunTerminated), errors.Is(err, ErrTooManyToolRounds):
		return "Sorry, I couldn't complete that request."
	default:
		return "Something went wrong while processing your message."
	}
}
