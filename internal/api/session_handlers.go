package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scan-orchestrator/internal/models"
)

type createSessionRequest struct {
	Message string `json:"message"`
}

type appendEventRequest struct {
	Type models.EventType `json:"event_type"`
	Data map[string]any   `json:"data"`
}

type advanceRequest struct {
	Phase    models.Phase `json:"phase"`
	Progress *int         `json:"progress"`
	Message  *string      `json:"message"`
}

type failRequest struct {
	Error string `json:"error"`
}

type sessionChangeResponse struct {
	Session models.AutomationSession `json:"session"`
	Event   models.SessionEvent      `json:"event"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), chi.URLParam(r, "projectID"), req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "active must be a boolean"})
			return
		}
		activeOnly = v
	}
	list, err := s.sessions.ListByProject(r.Context(), chi.URLParam(r, "projectID"), activeOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionDetails(w http.ResponseWriter, r *http.Request) {
	after, err := queryCursor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	details, err := s.sessions.Details(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryCursor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.sessions.ListEvents(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ev, err := s.sessions.AppendEvent(r.Context(), chi.URLParam(r, "id"), req.Type, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ev, sess, err := s.sessions.Advance(r.Context(), chi.URLParam(r, "id"), req.Phase, req.Progress, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionChangeResponse{Session: sess, Event: ev})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ev, sess, err := s.sessions.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionChangeResponse{Session: sess, Event: ev})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ev, sess, err := s.sessions.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionChangeResponse{Session: sess, Event: ev})
}

func (s *Server) handleFailSession(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ev, sess, err := s.sessions.Fail(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionChangeResponse{Session: sess, Event: ev})
}
