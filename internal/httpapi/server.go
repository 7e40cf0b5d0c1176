package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/taskmate/internal/approvals"
	"github.com/ent0n29/taskmate/internal/config"
	"github.com/ent0n29/taskmate/internal/coordinator"
	"github.com/ent0n29/taskmate/internal/observability"
	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/tasks"
)

// UserHeader carries the caller's user id, set by the auth layer in front of the service.
const UserHeader = "X-User-ID"

type Messenger interface {
	Send(ctx context.Context, userID, message string) (coordinator.Reply, error)
}

type ApprovalService interface {
	ListPending(ctx context.Context, userID string) ([]approvals.Approval, error)
	Get(ctx context.Context, id, userID string) (approvals.Approval, error)
	SetStatus(ctx context.Context, id, userID string, status approvals.Status) (approvals.Approval, error)
	Execute(ctx context.Context, id, userID string) (approvals.Approval, error)
	Subscribe(userID string) (<-chan approvals.Event, func())
}

type TaskLister interface {
	List(ctx context.Context, userID string, filter tasks.Filter) ([]tasks.Task, error)
}

type PatternReader interface {
	Snapshot(ctx context.Context, userID string) (patterns.Snapshot, error)
}

type Deps struct {
	Messenger Messenger
	Approvals ApprovalService
	Tasks     TaskLister
	Patterns  PatternReader
	Metrics   *observability.Metrics
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

type Server struct {
	cfg       config.Config
	messenger Messenger
	approvals ApprovalService
	tasks     TaskLister
	patterns  PatternReader
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	ready     func(ctx context.Context) error
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		messenger: deps.Messenger,
		approvals: deps.Approvals,
		tasks:     deps.Tasks,
		patterns:  deps.Patterns,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		ready:     deps.Ready,
		logger:    deps.Logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may open the approval stream.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleSendMessage)
		r.Get("/approvals", s.handleListApprovals)
		r.Get("/approvals/ws", s.handleApprovalsWS)
		r.Get("/approvals/{id}", s.handleGetApproval)
		r.Post("/approvals/{id}/approve", s.handleDecideApproval(approvals.StatusApproved))
		r.Post("/approvals/{id}/reject", s.handleDecideApproval(approvals.StatusRejected))
		r.Post("/approvals/{id}/execute", s.handleExecuteApproval)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/patterns", s.handleGetPatterns)
		r.Get("/setup/status", s.handleSetupStatus)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"agent_mode":   s.cfg.AgentMode,
		"store_driver": s.cfg.StoreDriver,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"store_driver": s.cfg.StoreDriver,
	})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", UserHeader+" header is required")
		return "", false
	}
	return id, true
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps service errors onto HTTP statuses. Retryable
// failures carry retryable=true so callers can offer "try again shortly".
func respondDomainError(w http.ResponseWriter, err error, message string) {
	status, code := classifyError(err)
	if message == "" {
		message = err.Error()
	}
	respondJSON(w, status, errorResponse{
		Error:     message,
		Code:      code,
		Retryable: coordinator.Retryable(err),
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrStillProcessing):
		return http.StatusConflict, "still_processing"
	case errors.Is(err, coordinator.ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case coordinator.Retryable(err):
		return http.StatusServiceUnavailable, "agent_unavailable"
	case errors.Is(err, approvals.ErrNotFound):
		return http.StatusNotFound, "approval_not_found"
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, approvals.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, approvals.ErrInvalidStatus), errors.Is(err, tasks.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, coordinator.ErrRunFailed),
		errors.Is(err, coordinator.ErrRunTerminated),
		errors.Is(err, coordinator.ErrTooManyToolRounds):
		return http.StatusBadGateway, "run_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
