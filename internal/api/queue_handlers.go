package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/telemetry"
)

type enqueueRequest struct {
	ScanType  string         `json:"scan_type"`
	ContextID *string        `json:"context_id"`
	Options   map[string]any `json:"options"`
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

type reorderResponse struct {
	Priorities []models.PriorityUpdate `json:"priorities"`
	Items      []models.QueueItem      `json:"items"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), projectID)
		if err != nil {
			// Throttling is best effort; Redis trouble must not block enqueue.
			s.logger.WithError(err).Warn("rate limiter unavailable")
		} else if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
			return
		}
	}

	item, err := s.queue.Enqueue(r.Context(), models.NewQueueItem{
		ProjectID: projectID,
		ScanType:  req.ScanType,
		ContextID: req.ContextID,
		Options:   req.Options,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.logger.WithFields(log.Fields{"item_id": item.ID, "project_id": projectID, "priority": item.Priority}).Info("scan enqueued")
	if s.worker != nil {
		s.worker.Kick()
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	var statuses []models.QueueStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, models.QueueStatus(part))
			}
		}
	}
	items, err := s.queue.ListByProject(r.Context(), chi.URLParam(r, "projectID"), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req reorderRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	updates, err := s.sched.Reorder(r.Context(), projectID, req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.ReorderCounter.Inc()

	items, err := s.queue.ListByProject(r.Context(), projectID, models.StatusQueued)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, reorderResponse{Priorities: updates, Items: items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.WithFields(log.Fields{"item_id": item.ID, "project_id": item.ProjectID}).Info("scan cancelled")
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
