package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/taskmate/internal/actions"
	"github.com/ent0n29/taskmate/internal/agent"
	"github.com/ent0n29/taskmate/internal/approvals"
	"github.com/ent0n29/taskmate/internal/observability"
	"github.com/ent0n29/taskmate/internal/policy"
	"github.com/ent0n29/taskmate/internal/reliability"
)

// ThreadResolver maps a user to their conversation thread.
type ThreadResolver interface {
	GetOrCreate(ctx context.Context, userID string) (string, error)
}

// Memory supplies per-user context for runs and records conversation turns.
type Memory interface {
	Context(ctx context.Context, userID string) (string, error)
	Remember(ctx context.Context, userID, threadID, role, content string) error
}

// ActionRunner performs auto-executed actions and records their side effects.
type ActionRunner interface {
	Run(ctx context.Context, userID string, action policy.Action) (actions.Outcome, error)
	Record(ctx context.Context, userID string, outcomes ...actions.Outcome)
}

// ApprovalQueue stores deferred actions.
type ApprovalQueue interface {
	Create(ctx context.Context, in approvals.CreateInput) (approvals.Approval, error)
	CountPending(ctx context.Context, userID string) (int, error)
}

type Options struct {
	AgentID         string
	PollBaseDelay   time.Duration
	PollMaxAttempts int
	// BusyRetries bounds how many times delivery is retried after waiting out
	// a run that was already active on the thread.
	BusyRetries   int
	MaxToolRounds int
}

func (o Options) withDefaults() Options {
	if o.PollBaseDelay <= 0 {
		o.PollBaseDelay = time.Second
	}
	if o.PollMaxAttempts <= 0 {
		o.PollMaxAttempts = 10
	}
	if o.BusyRetries < 0 {
		o.BusyRetries = 0
	}
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = 8
	}
	return o
}

type Deps struct {
	Agent     agent.Service
	Threads   ThreadResolver
	Memory    Memory
	Actions   ActionRunner
	Approvals ApprovalQueue
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Reply is the outcome of one delivered message.
type Reply struct {
	ThreadID          string          `json:"thread_id"`
	RunID             string          `json:"run_id"`
	Status            agent.RunStatus `json:"status"`
	Message           string          `json:"message"`
	ExecutedFunctions []string        `json:"executed_functions"`
	ApprovalIDs       []string        `json:"approval_ids,omitempty"`
	PendingApprovals  int             `json:"pending_approvals"`
	// AwaitingDecision is set when an earlier run on the thread is stopped at
	// requires_action and this message was not delivered.
	AwaitingDecision bool `json:"awaiting_decision"`
}

// Coordinator drives the agent's run protocol for one message at a time per
// caller. Run state is always re-read from the agent, never cached.
type Coordinator struct {
	agent     agent.Service
	threads   ThreadResolver
	memory    Memory
	actions   ActionRunner
	approvals ApprovalQueue
	metrics   *observability.Metrics
	logger    zerolog.Logger
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, opts Options) *Coordinator {
	return &Coordinator{
		agent:     deps.Agent,
		threads:   deps.Threads,
		memory:    deps.Memory,
		actions:   deps.Actions,
		approvals: deps.Approvals,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("component", "coordinator").Logger(),
		opts:      opts.withDefaults(),
		sleep:     reliability.Sleep,
	}
}

// Send resolves the user's thread and delivers message on it.
func (c *Coordinator) Send(ctx context.Context, userID, message string) (Reply, error) {
	threadID, err := c.threads.GetOrCreate(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve thread: %w", err)
	}
	return c.Deliver(ctx, userID, threadID, message)
}

// Deliver appends message to the thread, runs the agent and blocks until the
// run completes, fails, times out, or stops awaiting a decision.
func (c *Coordinator) Deliver(ctx context.Context, userID, threadID, message string) (Reply, error) {
	userID = strings.TrimSpace(userID)
	message = strings.TrimSpace(message)
	if userID == "" || threadID == "" {
		return Reply{}, fmt.Errorf("user id and thread id are required")
	}
	if message == "" {
		return Reply{}, fmt.Errorf("message is required")
	}

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "coordinator.deliver",
		observability.AttrUserID.String(userID),
		observability.AttrThreadID.String(threadID),
	)
	reply, err := c.deliver(ctx, userID, threadID, message)
	observability.EndSpan(span, err)
	c.metrics.ObserveDeliver(time.Since(started), ErrorKind(err))

	log := c.logger.With().Str("user_id", userID).Str("thread_id", threadID).Logger()
	if err != nil {
		log.Error().Err(err).Bool("retryable", Retryable(err)).Msg("deliver failed")
		return Reply{}, err
	}
	log.Info().
		Str("run_id", reply.RunID).
		Str("status", string(reply.Status)).
		Strs("executed", reply.ExecutedFunctions).
		Int("pending_approvals", reply.PendingApprovals).
		Bool("awaiting_decision", reply.AwaitingDecision).
		Dur("elapsed", time.Since(started)).
		Msg("deliver finished")
	return reply, nil
}

// toolState accumulates what tool rounds did during one delivery.
type toolState struct {
	executed    []string
	outcomes    []actions.Outcome
	approvalIDs []string
}

func (s *toolState) createdTitles() []string {
	var titles []string
	for _, o := range s.outcomes {
		if o.Created && o.Task != nil {
			titles = append(titles, o.Task.Title)
		}
	}
	return titles
}

func (c *Coordinator) deliver(ctx context.Context, userID, threadID, message string) (Reply, error) {
	// An unfinished run from an earlier request blocks the thread.
	recent, err := c.agent.ListRecentRuns(ctx, threadID, 1)
	if err != nil {
		c.metrics.ObserveAgentError("list_runs")
		return Reply{}, fmt.Errorf("list recent runs: %w", err)
	}
	if len(recent) > 0 && recent[0].Status.Active() {
		c.logger.Info().Str("thread_id", threadID).Str("run_id", recent[0].ID).Msg("waiting for earlier run")
		busy, err := c.settleBusy(ctx, threadID, recent[0].ID)
		if err != nil {
			return Reply{}, err
		}
		if busy.Status == agent.RunStatusRequiresAction {
			return c.awaitingReply(ctx, userID, threadID, busy), nil
		}
	}

	instructions := c.memoryContext(ctx, userID)
	run, busy, err := c.start(ctx, userID, threadID, message, instructions)
	if err != nil {
		return Reply{}, err
	}
	if busy != nil {
		return c.awaitingReply(ctx, userID, threadID, *busy), nil
	}

	state := &toolState{}
	// Create and complete side effects count whether or not the run finishes.
	defer func() {
		if len(state.outcomes) > 0 {
			c.actions.Record(context.WithoutCancel(ctx), userID, state.outcomes...)
		}
	}()

	for round := 0; ; round++ {
		run, err = c.pollRun(ctx, threadID, run.ID)
		if err != nil {
			return Reply{}, err
		}

		switch run.Status {
		case agent.RunStatusCompleted:
			return c.complete(ctx, userID, threadID, run, state)
		case agent.RunStatusFailed:
			return Reply{}, &RunError{Kind: ErrRunFailed, ThreadID: threadID, RunID: run.ID, Status: run.Status, Detail: run.LastError}
		case agent.RunStatusExpired, agent.RunStatusCancelled:
			return Reply{}, &RunError{Kind: ErrRunTerminated, ThreadID: threadID, RunID: run.ID, Status: run.Status, Detail: run.LastError}
		case agent.RunStatusRequiresAction:
			if round >= c.opts.MaxToolRounds {
				return Reply{}, &RunError{Kind: ErrTooManyToolRounds, ThreadID: threadID, RunID: run.ID, Status: run.Status}
			}
			outputs := c.dispatch(ctx, userID, threadID, run, state)
			submitted, err := c.agent.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
			if err != nil {
				c.metrics.ObserveAgentError("submit_tool_outputs")
				return Reply{}, fmt.Errorf("submit tool outputs: %w", err)
			}
			run = submitted
		default:
			return Reply{}, fmt.Errorf("unexpected run status %q", run.Status)
		}
	}
}

// start appends the message and creates a run. An "already active" rejection
// is returned as data: the coordinator waits the other run out and retries up
// to BusyRetries times. A non-nil busy run means that run is awaiting a
// decision and the message was not delivered.
func (c *Coordinator) start(ctx context.Context, userID, threadID, message, instructions string) (agent.Run, *agent.Run, error) {
	appended, remembered := false, false
	for attempt := 0; ; attempt++ {
		res, err := c.tryStart(ctx, threadID, message, instructions, &appended)
		if appended && !remembered {
			c.rememberTurn(ctx, userID, threadID, agent.RoleUser, message)
			remembered = true
		}
		if err != nil {
			return agent.Run{}, nil, err
		}
		if !res.busy {
			if attempt > 0 {
				c.metrics.ObserveBusyRecovery("retried")
			}
			return res.run, nil, nil
		}

		c.logger.Info().
			Str("thread_id", threadID).
			Str("active_run_id", res.busyRunID).
			Int("attempt", attempt).
			Bool("appended", appended).
			Msg("thread already has an active run")
		if attempt >= c.opts.BusyRetries {
			c.metrics.ObserveBusyRecovery("exhausted")
			return agent.Run{}, nil, &RunError{Kind: ErrStillProcessing, ThreadID: threadID, RunID: res.busyRunID}
		}

		busy, err := c.settleBusy(ctx, threadID, res.busyRunID)
		if err != nil {
			return agent.Run{}, nil, err
		}
		if busy.Status == agent.RunStatusRequiresAction {
			c.metrics.ObserveBusyRecovery("awaiting_decision")
			return agent.Run{}, &busy, nil
		}
	}
}

// startResult is Ok(run) or Busy(runID); failures travel as the error.
type startResult struct {
	run       agent.Run
	busy      bool
	busyRunID string
}

func (c *Coordinator) tryStart(ctx context.Context, threadID, message, instructions string, appended *bool) (startResult, error) {
	if !*appended {
		if _, err := c.agent.AppendMessage(ctx, threadID, agent.RoleUser, message); err != nil {
			if active, ok := agent.AsActiveRun(err); ok {
				return startResult{busy: true, busyRunID: active.RunID}, nil
			}
			c.metrics.ObserveAgentError("append_message")
			return startResult{}, fmt.Errorf("append message: %w", err)
		}
		*appended = true
	}

	run, err := c.agent.CreateRun(ctx, threadID, agent.CreateRunRequest{
		AgentID:                c.opts.AgentID,
		AdditionalInstructions: instructions,
	})
	if err != nil {
		if active, ok := agent.AsActiveRun(err); ok {
			return startResult{busy: true, busyRunID: active.RunID}, nil
		}
		c.metrics.ObserveAgentError("create_run")
		return startResult{}, fmt.Errorf("create run: %w", err)
	}
	return startResult{run: run}, nil
}

// settleBusy waits for someone else's run and re-reads its status. It returns
// the run when it is terminal or awaiting a decision, and ErrStillProcessing
// when it is still going.
func (c *Coordinator) settleBusy(ctx context.Context, threadID, runID string) (agent.Run, error) {
	if runID == "" {
		recent, err := c.agent.ListRecentRuns(ctx, threadID, 1)
		if err != nil {
			c.metrics.ObserveAgentError("list_runs")
			return agent.Run{}, fmt.Errorf("list recent runs: %w", err)
		}
		if len(recent) == 0 {
			return agent.Run{Status: agent.RunStatusCompleted}, nil
		}
		runID = recent[0].ID
	}

	if _, err := c.pollRun(ctx, threadID, runID); err != nil && !errors.Is(err, ErrRunTimeout) {
		return agent.Run{}, err
	}
	run, err := c.agent.GetRun(ctx, threadID, runID)
	if err != nil {
		c.metrics.ObserveAgentError("get_run")
		return agent.Run{}, fmt.Errorf("verify active run: %w", err)
	}
	switch {
	case run.Status == agent.RunStatusRequiresAction, run.Status.Terminal():
		return run, nil
	default:
		c.metrics.ObserveBusyRecovery("still_processing")
		return agent.Run{}, &RunError{Kind: ErrStillProcessing, ThreadID: threadID, RunID: runID, Status: run.Status}
	}
}

// pollRun reads the run until it completes, fails, needs action, or ends.
// Between reads it sleeps base*2^attempt; after PollMaxAttempts reads it gives up.
func (c *Coordinator) pollRun(ctx context.Context, threadID, runID string) (agent.Run, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.poll_run",
		observability.AttrThreadID.String(threadID),
		observability.AttrRunID.String(runID),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var last agent.Run
	var lastErr error
	for attempt := 0; attempt < c.opts.PollMaxAttempts; attempt++ {
		var run agent.Run
		run, lastErr = c.agent.GetRun(ctx, threadID, runID)
		switch {
		case lastErr != nil && !reliability.IsRetryable(lastErr):
			c.metrics.ObserveAgentError("get_run")
			err = fmt.Errorf("get run %s: %w", runID, lastErr)
			return agent.Run{}, err
		case lastErr != nil:
			c.metrics.ObserveAgentError("get_run")
			c.logger.Warn().Err(lastErr).Str("run_id", runID).Int("attempt", attempt).Msg("transient run poll failure")
		default:
			last = run
			c.metrics.ObserveRunPoll(string(run.Status))
			c.logger.Debug().Str("run_id", runID).Str("status", string(run.Status)).Int("attempt", attempt).Msg("run polled")
			switch run.Status {
			case agent.RunStatusCompleted, agent.RunStatusFailed, agent.RunStatusRequiresAction,
				agent.RunStatusExpired, agent.RunStatusCancelled:
				span.SetAttributes(attribute.Int("taskmate.poll.attempts", attempt+1))
				return run, nil
			}
		}

		if attempt == c.opts.PollMaxAttempts-1 {
			break
		}
		if err = c.sleep(ctx, reliability.ExponentialBackoff(attempt, c.opts.PollBaseDelay, 0)); err != nil {
			return agent.Run{}, err
		}
	}

	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	err = &RunError{Kind: ErrRunTimeout, ThreadID: threadID, RunID: runID, Status: last.Status, Detail: detail}
	return agent.Run{}, err
}

// dispatch routes every tool call of a requires_action run and builds the
// outputs to submit. Per-call failures become failure outputs.
func (c *Coordinator) dispatch(ctx context.Context, userID, threadID string, run agent.Run, state *toolState) []agent.ToolOutput {
	outputs := make([]agent.ToolOutput, 0, len(run.ToolCalls))
	for _, call := range run.ToolCalls {
		outputs = append(outputs, agent.ToolOutput{
			CallID: call.ID,
			Output: c.dispatchOne(ctx, userID, threadID, run.ID, call, state),
		})
	}
	return outputs
}

func (c *Coordinator) dispatchOne(ctx context.Context, userID, threadID, runID string, call agent.ToolCall, state *toolState) string {
	action, decodeErr := policy.DecodeAction(call.Name, call.Arguments)
	decision := policy.Classify(action)
	c.metrics.ObserveToolDecision(string(action.Name()), string(decision.Verdict))

	ctx, span := observability.StartSpan(ctx, "coordinator.dispatch_tool",
		observability.AttrRunID.String(runID),
		observability.AttrAction.String(call.Name),
		observability.AttrVerdict.String(string(decision.Verdict)),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	log := c.logger.With().Str("user_id", userID).Str("run_id", runID).Str("action", call.Name).Logger()

	if decision.Execute() {
		if decodeErr != nil {
			err = decodeErr
			log.Warn().Err(err).Msg("tool call arguments rejected")
			return actions.FailureOutput(err)
		}
		var outcome actions.Outcome
		outcome, err = c.actions.Run(ctx, userID, action)
		if err != nil {
			log.Warn().Err(err).Msg("tool call failed")
			return actions.FailureOutput(err)
		}
		state.executed = append(state.executed, call.Name)
		state.outcomes = append(state.outcomes, outcome)
		log.Info().Msg("tool call executed")
		return outcome.Output
	}

	var approval approvals.Approval
	approval, err = c.approvals.Create(ctx, approvals.CreateInput{
		UserID:     userID,
		ThreadID:   threadID,
		RunID:      runID,
		ToolCallID: call.ID,
		Action:     call.Name,
		Arguments:  call.Arguments,
		Reason:     decision.Reason,
	})
	if err != nil {
		log.Error().Err(err).Msg("queue approval failed")
		return actions.FailureOutput(fmt.Errorf("could not queue for approval: %w", err))
	}
	state.approvalIDs = append(state.approvalIDs, approval.ID)
	log.Info().Str("approval_id", approval.ID).Str("reason", decision.Reason).Msg("tool call deferred")
	return actions.PendingOutput(approval.ID, decision.Reason)
}

func (c *Coordinator) complete(ctx context.Context, userID, threadID string, run agent.Run, state *toolState) (Reply, error) {
	msgs, err := c.agent.ListMessages(ctx, threadID, 20)
	if err != nil {
		c.metrics.ObserveAgentError("list_messages")
		return Reply{}, fmt.Errorf("list messages: %w", err)
	}
	text := ""
	if latest, ok := agent.LatestAssistantMessage(msgs); ok {
		text = strings.TrimSpace(latest.Content)
	}
	if titles := state.createdTitles(); len(titles) > 0 {
		note := "Added to your tasks: " + strings.Join(titles, ", ") + "."
		if text == "" {
			text = note
		} else {
			text += "\n\n" + note
		}
	}
	c.rememberTurn(ctx, userID, threadID, agent.RoleAssistant, text)

	return Reply{
		ThreadID:          threadID,
		RunID:             run.ID,
		Status:            run.Status,
		Message:           text,
		ExecutedFunctions: nonNil(state.executed),
		ApprovalIDs:       state.approvalIDs,
		PendingApprovals:  c.pendingCount(ctx, userID),
	}, nil
}

func (c *Coordinator) awaitingReply(ctx context.Context, userID, threadID string, run agent.Run) Reply {
	return Reply{
		ThreadID:          threadID,
		RunID:             run.ID,
		Status:            run.Status,
		Message:           "I'm still waiting on a decision for your previous request.",
		ExecutedFunctions: []string{},
		PendingApprovals:  c.pendingCount(ctx, userID),
		AwaitingDecision:  true,
	}
}

// memoryContext degrades to an empty string when memory is unavailable.
func (c *Coordinator) memoryContext(ctx context.Context, userID string) string {
	if c.memory == nil {
		return ""
	}
	text, err := c.memory.Context(ctx, userID)
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("memory context unavailable")
		return ""
	}
	return text
}

func (c *Coordinator) rememberTurn(ctx context.Context, userID, threadID, role, content string) {
	if c.memory == nil || strings.TrimSpace(content) == "" {
		return
	}
	if err := c.memory.Remember(ctx, userID, threadID, role, content); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Str("role", role).Msg("remember turn failed")
	}
}

func (c *Coordinator) pendingCount(ctx context.Context, userID string) int {
	n, err := c.approvals.CountPending(ctx, userID)
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("count pending approvals failed")
		return 0
	}
	return n
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
