package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskmate/internal/approvals"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingEvery    = 25 * time.Second
)

// approvalSnapshot is the first frame on the approval stream.
type approvalSnapshot struct {
	Type      string               `json:"type"`
	Approvals []approvals.Approval `json:"approvals"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	pending, err := s.approvals.ListPending(r.Context(), user)
	if err != nil {
		respondDomainError(w, err, "")
		return
	}
	if pending == nil {
		pending = []approvals.Approval{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":   user,
		"count":     len(pending),
		"approvals": pending,
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	a, err := s.approvals.Get(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")), user)
	if err != nil {
		respondDomainError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDecideApproval(status approvals.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			respondError(w, http.StatusBadRequest, "invalid_approval_id", "missing approval id")
			return
		}
		a, err := s.approvals.SetStatus(r.Context(), id, user, status)
		if err != nil {
			respondDomainError(w, err, "")
			return
		}
		respondJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleExecuteApproval(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_approval_id", "missing approval id")
		return
	}
	a, err := s.approvals.Execute(r.Context(), id, user)
	if err != nil {
		respondDomainError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// handleApprovalsWS streams approval events for one user. Browsers cannot set
// headers on an upgrade request, so user_id is also accepted as a query parameter.
func (s *Server) handleApprovalsWS(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		user = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if user == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", UserHeader+" header or user_id query is required")
		return
	}

	events, unsubscribe := s.approvals.Subscribe(user)
	defer unsubscribe()

	pending, err := s.approvals.ListPending(r.Context(), user)
	if err != nil {
		respondDomainError(w, err, "")
		return
	}
	if pending == nil {
		pending = []approvals.Approval{}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	log := s.logger.With().Str("user_id", user).Logger()
	log.Debug().Msg("approval stream opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		defer conn.Close()
		ping := time.NewTicker(wsPingEvery)
		defer ping.Stop()

		if err := s.writeFrame(conn, approvalSnapshot{Type: "approval_snapshot", Approvals: pending}, "approval_snapshot"); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := s.writeFrame(conn, evt, string(evt.Type)); err != nil {
					log.Debug().Err(err).Msg("approval stream write failed")
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// The stream is server-to-client; reads only service control frames.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		s.metrics.ObserveWSMessage("inbound", "client")
	}

	cancel()
	<-writerDone
	log.Debug().Msg("approval stream closed")
}

func (s *Server) writeFrame(conn *websocket.Conn, v any, msgType string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return err
	}
	s.metrics.ObserveWSMessage("outbound", msgType)
	return nil
}
