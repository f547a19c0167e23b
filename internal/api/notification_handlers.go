package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"scan-orchestrator/internal/models"
)

type notifyRequest struct {
	Type    models.NotificationType `json:"notification_type"`
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
	Data    map[string]any          `json:"data"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.notes.ListUnread(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.notes.Notify(r.Context(), chi.URLParam(r, "projectID"), req.Type, req.Title, req.Message, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notes.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.MarkAllRead(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}
