package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/tasks"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	filter := tasks.Filter{
		Status:   strings.TrimSpace(r.URL.Query().Get("status")),
		Priority: strings.TrimSpace(r.URL.Query().Get("priority")),
	}
	list, err := s.tasks.List(r.Context(), user, filter)
	if err != nil {
		respondDomainError(w, err, "")
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": user,
		"count":   len(list),
		"tasks":   list,
	})
}

func (s *Server) handleGetPatterns(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	snap, err := s.patterns.Snapshot(r.Context(), user)
	if err != nil {
		respondDomainError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"patterns": snap,
		"summary":  patterns.Summary(snap),
	})
}
