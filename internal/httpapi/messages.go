package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/taskmate/internal/coordinator"
)

type sendMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	reply, err := s.messenger.Send(r.Context(), user, req.Message)
	if err != nil {
		respondDomainError(w, err, coordinator.UserMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, reply)
}
