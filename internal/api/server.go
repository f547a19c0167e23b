package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/notify"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/ratelimit"
	"scan-orchestrator/internal/session"
	"scan-orchestrator/internal/telemetry"
	"scan-orchestrator/internal/worker"
)

// Limiter throttles enqueue requests per project.
type Limiter interface {
	Allow(ctx context.Context, projectID string) (ratelimit.Decision, error)
}

// WorkerController is the worker slot the API starts, stops and inspects.
type WorkerController interface {
	Start(ctx context.Context) (worker.Status, error)
	Stop() worker.Status
	Status() worker.Status
	Kick()
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP API. Limiter and Health are optional.
type Deps struct {
	Queue         *queue.Queue
	Scheduler     *queue.Scheduler
	Notifications *notify.Dispatcher
	Sessions      *session.Tracker
	Worker        WorkerController
	Limiter       Limiter
	Health        Pinger
	Logger        log.FieldLogger
}

// Server wires HTTP handlers for queue, worker, notification and session
// operations.
type Server struct {
	// baseCtx bounds worker loops started over HTTP; request contexts end
	// with the response.
	baseCtx  context.Context
	queue    *queue.Queue
	sched    *queue.Scheduler
	notes    *notify.Dispatcher
	sessions *session.Tracker
	worker   WorkerController
	limiter  Limiter
	health   Pinger
	logger   log.FieldLogger
}

// New constructs the API server.
func New(baseCtx context.Context, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		baseCtx:  baseCtx,
		queue:    d.Queue,
		sched:    d.Scheduler,
		notes:    d.Notifications,
		sessions: d.Sessions,
		worker:   d.Worker,
		limiter:  d.Limiter,
		health:   d.Health,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Post("/queue", s.handleEnqueue)
		r.Get("/queue", s.handleListQueue)
		r.Put("/queue/order", s.handleReorder)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications", s.handleNotify)
		r.Post("/notifications/read-all", s.handleMarkAllRead)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
	})

	r.Route("/queue/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetItem)
		r.Post("/cancel", s.handleCancel)
		r.Delete("/", s.handleDelete)
	})

	r.Post("/notifications/{id}/read", s.handleMarkRead)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleSessionDetails)
		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleAppendEvent)
		r.Post("/phase", s.handleAdvance)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/fail", s.handleFailSession)
	})

	r.Route("/worker", func(r chi.Router) {
		r.Post("/start", s.handleWorkerStart)
		r.Post("/stop", s.handleWorkerStop)
		r.Get("/status", s.handleWorkerStatus)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, _ *http.Request) {
	st, err := s.worker.Start(s.baseCtx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.Stop())
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.Status())
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConcurrentModification),
		errors.Is(err, models.ErrSlotBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid json: %v", models.ErrInvalidArgument, err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalidArgument, key)
	}
	return n, nil
}

// queryCursor parses the ?after= event cursor (RFC 3339, nanoseconds allowed).
func queryCursor(r *http.Request) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: after must be an RFC 3339 timestamp", models.ErrInvalidArgument)
	}
	return &ts, nil
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
