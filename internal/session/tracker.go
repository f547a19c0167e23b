package session

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/archive"
	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/telemetry"
)

// Repository persists sessions and their append-only event log.
type Repository interface {
	InsertSession(ctx context.Context, projectID, message string) (models.AutomationSession, error)
	GetSession(ctx context.Context, id string) (models.AutomationSession, error)
	ListSessions(ctx context.Context, projectID string, activeOnly bool) ([]models.AutomationSession, error)
	AppendSessionEvent(ctx context.Context, sessionID string, typ models.EventType, data map[string]any,
		apply func(*models.AutomationSession) error) (models.SessionEvent, models.AutomationSession, error)
	ListSessionEvents(ctx context.Context, sessionID string, after *time.Time) ([]models.SessionEvent, error)
	FinishedSessions(ctx context.Context, olderThan time.Time) ([]models.AutomationSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Tracker drives the automation-session phase machine and its event log.
type Tracker struct {
	repo   Repository
	now    func() time.Time
	logger log.FieldLogger
}

// NewTracker builds a tracker over repo.
func NewTracker(repo Repository, logger log.FieldLogger) *Tracker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tracker{repo: repo, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }, logger: logger}
}

// Create starts a pending session for a project.
func (t *Tracker) Create(ctx context.Context, projectID, message string) (models.AutomationSession, error) {
	if strings.TrimSpace(projectID) == "" {
		return models.AutomationSession{}, fmt.Errorf("%w: project id is required", models.ErrInvalidArgument)
	}
	sess, err := t.repo.InsertSession(ctx, projectID, message)
	if err != nil {
		return models.AutomationSession{}, err
	}
	t.logger.WithFields(log.Fields{"session_id": sess.ID, "project_id": projectID}).Info("automation session created")
	return sess, nil
}

// Get fetches a session.
func (t *Tracker) Get(ctx context.Context, id string) (models.AutomationSession, error) {
	return t.repo.GetSession(ctx, id)
}

// ListByProject lists sessions newest first; activeOnly hides terminal ones.
func (t *Tracker) ListByProject(ctx context.Context, projectID string, activeOnly bool) ([]models.AutomationSession, error) {
	out, err := t.repo.ListSessions(ctx, projectID, activeOnly)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.AutomationSession{}
	}
	return out, nil
}

// Advance moves a session to phase and records a phase_change event in the
// same transaction.
func (t *Tracker) Advance(ctx context.Context, id string, phase models.Phase, progress *int, message *string) (models.SessionEvent, models.AutomationSession, error) {
	data := map[string]any{"phase": string(phase)}
	if progress != nil {
		data["progress"] = *progress
	}
	if message != nil {
		data["message"] = *message
	}
	return t.append(ctx, id, models.EventPhaseChange, data)
}

// Pause suspends a non-terminal session, remembering its phase.
func (t *Tracker) Pause(ctx context.Context, id string) (models.SessionEvent, models.AutomationSession, error) {
	return t.append(ctx, id, models.EventPhaseChange, map[string]any{"phase": string(models.PhasePaused)})
}

// Resume returns a paused session to the phase it was paused in.
func (t *Tracker) Resume(ctx context.Context, id string) (models.SessionEvent, models.AutomationSession, error) {
	return t.append(ctx, id, models.EventPhaseChange, map[string]any{"resume": true})
}

// Fail marks a session failed with a reason.
func (t *Tracker) Fail(ctx context.Context, id, reason string) (models.SessionEvent, models.AutomationSession, error) {
	return t.append(ctx, id, models.EventPhaseChange, map[string]any{"phase": string(models.PhaseFailed), "error": reason})
}

// AppendEvent adds an event to a session's log. phase_change events drive the
// phase machine; progress events update session progress. Once a session is
// terminal only audit-only event types are accepted.
func (t *Tracker) AppendEvent(ctx context.Context, id string, typ models.EventType, data map[string]any) (models.SessionEvent, error) {
	ev, _, err := t.append(ctx, id, typ, data)
	return ev, err
}

func (t *Tracker) append(ctx context.Context, id string, typ models.EventType, data map[string]any) (models.SessionEvent, models.AutomationSession, error) {
	if !typ.Valid() {
		return models.SessionEvent{}, models.AutomationSession{}, fmt.Errorf("%w: unknown event type %q", models.ErrInvalidArgument, typ)
	}
	// apply annotates the payload, so callers keep their own map.
	payload := maps.Clone(data)
	if payload == nil {
		payload = map[string]any{}
	}
	ev, sess, err := t.repo.AppendSessionEvent(ctx, id, typ, payload, func(s *models.AutomationSession) error {
		return t.apply(s, typ, payload)
	})
	if err != nil {
		return models.SessionEvent{}, models.AutomationSession{}, err
	}
	telemetry.SessionEvents.WithLabelValues(string(typ)).Inc()
	if typ == models.EventPhaseChange {
		t.logger.WithFields(log.Fields{"session_id": id, "phase": sess.Phase}).Info("automation session phase changed")
	}
	return ev, sess, nil
}

// apply mutates s for one incoming event. It runs under the store's row lock.
func (t *Tracker) apply(s *models.AutomationSession, typ models.EventType, data map[string]any) error {
	if s.Phase.Terminal() && !typ.AuditOnly() {
		return fmt.Errorf("%w: session %s is %s, %s events are not accepted", models.ErrInvalidTransition, s.ID, s.Phase, typ)
	}

	switch typ {
	case models.EventPhaseChange:
		if err := t.applyPhaseChange(s, data); err != nil {
			return err
		}
	case models.EventProgress:
		applyProgress(s, data)
	case models.EventError:
		s.HasError = true
		if msg, ok := data["message"].(string); ok && msg != "" {
			s.ErrorMessage = &msg
		}
	}
	return nil
}

func (t *Tracker) applyPhaseChange(s *models.AutomationSession, data map[string]any) error {
	from := s.Phase
	data["from"] = string(from)

	if resume, _ := data["resume"].(bool); resume {
		if from != models.PhasePaused {
			return fmt.Errorf("%w: session %s is %s, not paused", models.ErrInvalidTransition, s.ID, from)
		}
		to := models.PhaseRunning
		if s.ResumePhase != nil {
			to = *s.ResumePhase
		}
		s.Phase = to
		s.ResumePhase = nil
		data["phase"] = string(to)
		applyProgress(s, data)
		return nil
	}

	raw, _ := data["phase"].(string)
	if raw == "" {
		return fmt.Errorf("%w: phase_change event requires a phase", models.ErrInvalidArgument)
	}
	to := models.Phase(raw)
	if err := models.ValidatePhaseTransition(from, to); err != nil {
		return err
	}

	switch to {
	case models.PhasePaused:
		resume := from
		s.ResumePhase = &resume
	case models.PhaseFailed:
		now := t.now()
		s.CompletedAt = &now
		s.HasError = true
		s.ResumePhase = nil
		if reason, ok := data["error"].(string); ok && reason != "" {
			s.ErrorMessage = &reason
		}
	case models.PhaseComplete:
		now := t.now()
		s.CompletedAt = &now
		s.Progress = 100
	}
	s.Phase = to
	applyProgress(s, data)
	return nil
}

func applyProgress(s *models.AutomationSession, data map[string]any) {
	if p, ok := asInt(data["progress"]); ok {
		if p = models.ClampProgress(p); p > s.Progress {
			s.Progress = p
		}
	}
	if msg, ok := data["message"].(string); ok {
		s.Message = msg
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// ListEvents returns events with timestamp strictly after the cursor; a nil
// cursor returns the full log.
func (t *Tracker) ListEvents(ctx context.Context, id string, after *time.Time) ([]models.SessionEvent, error) {
	return t.repo.ListSessionEvents(ctx, id, after)
}

// Details returns the session together with its events after the cursor.
func (t *Tracker) Details(ctx context.Context, id string, after *time.Time) (models.SessionDetails, error) {
	sess, err := t.repo.GetSession(ctx, id)
	if err != nil {
		return models.SessionDetails{}, err
	}
	events, err := t.repo.ListSessionEvents(ctx, id, after)
	if err != nil {
		return models.SessionDetails{}, err
	}
	return models.SessionDetails{Session: sess, Events: events}, nil
}

// PruneFinished archives and deletes terminal sessions that completed before
// olderThan. A session whose archive write fails is kept for the next sweep.
func (t *Tracker) PruneFinished(ctx context.Context, olderThan time.Time, sink archive.Sink) (int, error) {
	finished, err := t.repo.FinishedSessions(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, sess := range finished {
		if sink != nil {
			events, err := t.repo.ListSessionEvents(ctx, sess.ID, nil)
			if err != nil {
				return pruned, err
			}
			loc, err := archive.PutSession(ctx, sink, models.SessionDetails{Session: sess, Events: events})
			if err != nil {
				t.logger.WithError(err).WithField("session_id", sess.ID).Warn("archive session failed")
				continue
			}
			t.logger.WithFields(log.Fields{"session_id": sess.ID, "location": loc}).Debug("session archived")
		}
		if err := t.repo.DeleteSession(ctx, sess.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
