package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/taskmate/internal/observability"
)

// Executor performs an approved action with its stored arguments and returns
// the tool output text.
type Executor interface {
	ExecuteApproved(ctx context.Context, userID, action string, args json.RawMessage) (string, error)
}

type Service struct {
	store    Store
	executor Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	subMu       sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewService(store Store, executor Executor, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Service{
		store:       store,
		executor:    executor,
		metrics:     metrics,
		logger:      logger.With().Str("component", "approvals").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[string]map[int]chan Event),
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Approval, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Action = strings.TrimSpace(in.Action)
	if in.UserID == "" {
		return Approval{}, fmt.Errorf("user_id is required")
	}
	if in.Action == "" {
		return Approval{}, fmt.Errorf("action is required")
	}
	now := s.now()
	a := Approval{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		ThreadID:   in.ThreadID,
		RunID:      in.RunID,
		ToolCallID: in.ToolCallID,
		Action:     in.Action,
		Arguments:  normalizeArguments(in.Arguments),
		Reason:     in.Reason,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return Approval{}, err
	}
	s.metrics.ObserveApprovalTransition(string(StatusPending))
	s.logger.Info().
		Str("user_id", a.UserID).
		Str("approval_id", a.ID).
		Str("action", a.Action).
		Str("run_id", a.RunID).
		Msg("approval queued")
	s.publish(a)
	return a, nil
}

func (s *Service) ListPending(ctx context.Context, userID string) ([]Approval, error) {
	return s.store.ListByStatus(ctx, strings.TrimSpace(userID), StatusPending)
}

func (s *Service) CountPending(ctx context.Context, userID string) (int, error) {
	return s.store.CountByStatus(ctx, strings.TrimSpace(userID), StatusPending)
}

func (s *Service) Get(ctx context.Context, id, userID string) (Approval, error) {
	return s.store.Get(ctx, strings.TrimSpace(id), strings.TrimSpace(userID))
}

// SetStatus records the user's decision. Only pending approvals can be decided.
func (s *Service) SetStatus(ctx context.Context, id, userID string, status Status) (Approval, error) {
	if status != StatusApproved && status != StatusRejected {
		return Approval{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	id, userID = strings.TrimSpace(id), strings.TrimSpace(userID)
	ok, err := s.store.CompareAndSetStatus(ctx, id, userID, StatusPending, status, s.now())
	if err != nil {
		return Approval{}, err
	}
	if !ok {
		current, err := s.store.Get(ctx, id, userID)
		if err != nil {
			return Approval{}, err
		}
		return Approval{}, fmt.Errorf("%w: approval is %s, not pending", ErrPreconditionFailed, current.Status)
	}
	a, err := s.store.Get(ctx, id, userID)
	if err != nil {
		return Approval{}, err
	}
	s.metrics.ObserveApprovalTransition(string(status))
	s.logger.Info().Str("user_id", userID).Str("approval_id", id).Str("status", string(status)).Msg("approval decided")
	s.publish(a)
	return a, nil
}

// Execute runs an approved action exactly once. The approval is claimed by
// moving it to executed before the executor runs; a failed execution releases
// the claim so the user can retry.
func (s *Service) Execute(ctx context.Context, id, userID string) (Approval, error) {
	if s.executor == nil {
		return Approval{}, fmt.Errorf("approval executor is not configured")
	}
	id, userID = strings.TrimSpace(id), strings.TrimSpace(userID)

	claimed, err := s.store.CompareAndSetStatus(ctx, id, userID, StatusApproved, StatusExecuted, s.now())
	if err != nil {
		return Approval{}, err
	}
	a, err := s.store.Get(ctx, id, userID)
	if err != nil {
		return Approval{}, err
	}
	if !claimed {
		return Approval{}, fmt.Errorf("%w: approval is %s, not approved", ErrPreconditionFailed, a.Status)
	}

	result, execErr := s.executor.ExecuteApproved(ctx, userID, a.Action, a.Arguments)
	if execErr != nil {
		if _, err := s.store.CompareAndSetStatus(ctx, id, userID, StatusExecuted, StatusApproved, s.now()); err != nil {
			s.logger.Error().Err(err).Str("approval_id", id).Msg("release approval claim failed")
		}
		s.logger.Warn().Err(execErr).Str("user_id", userID).Str("approval_id", id).Str("action", a.Action).Msg("approved action failed")
		return Approval{}, fmt.Errorf("execute approval %s: %w", id, execErr)
	}

	if err := s.store.SetResult(ctx, id, userID, result); err != nil {
		s.logger.Warn().Err(err).Str("approval_id", id).Msg("store approval result failed")
	}
	a.Result = result
	s.metrics.ObserveApprovalTransition(string(StatusExecuted))
	s.logger.Info().Str("user_id", userID).Str("approval_id", id).Str("action", a.Action).Msg("approval executed")
	s.publish(a)
	return a, nil
}

// Subscribe streams approval events for one user until the returned cancel is called.
func (s *Service) Subscribe(userID string) (<-chan Event, func()) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[userID]; !ok {
		s.subscribers[userID] = make(map[int]chan Event)
	}
	s.subscribers[userID][id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subscribers[userID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, userID)
		}
	}
}

func (s *Service) publish(a Approval) {
	evt := Event{Type: eventFor(a.Status), Approval: cloneApproval(a), At: s.now()}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[a.UserID] {
		select {
		case ch <- evt:
		default:
			// subscriber full, drop
		}
	}
}

// normalizeArguments keeps well-formed JSON as is and stores anything else as
// a JSON string, so every backend and every response can carry it.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(raw) {
		return append(json.RawMessage(nil), raw...)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
